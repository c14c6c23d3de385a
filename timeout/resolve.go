package timeout

import "time"

// Overrides holds the process-wide settings that preempt proxy configuration.
// There is deliberately no invocation override.
type Overrides struct {
	Connect Value `yaml:"connect" env:"CONNECT_TIMEOUT"`
	Request Value `yaml:"request" env:"REQUEST_TIMEOUT"`
	Close   Value `yaml:"close"   env:"CLOSE_TIMEOUT"`
}

// Resolve returns the effective timeout for class c. A negative result means
// the timeout is disabled.
//
//   - Connect: connect override, then request override, then perCall, perProxy, default.
//   - Request: request override, then perCall, perProxy, default.
//   - Invocation: perCall, then perProxy, else Infinite.
//   - Close: close override, else default.
func Resolve(c Class, perCall, perProxy Value, o Overrides) time.Duration {
	switch c {
	case Connect:
		if o.Connect.IsSet() {
			return o.Connect.d
		}
		if o.Request.IsSet() {
			return o.Request.d
		}
		return first(DefaultConnectTimeout, perCall, perProxy)
	case Request:
		if o.Request.IsSet() {
			return o.Request.d
		}
		return first(DefaultRequestTimeout, perCall, perProxy)
	case Invocation:
		return first(Infinite, perCall, perProxy)
	case Close:
		return o.Close.Or(DefaultCloseTimeout)
	default:
		return Infinite
	}
}

func first(def time.Duration, vs ...Value) time.Duration {
	for _, v := range vs {
		if v.ok {
			return v.d
		}
	}
	return def
}

// Deadline converts a resolved timeout into an absolute deadline. The zero time
// is returned for disabled timeouts.
func Deadline(now time.Time, d time.Duration) time.Time {
	if d < 0 {
		return time.Time{}
	}
	return now.Add(d)
}
