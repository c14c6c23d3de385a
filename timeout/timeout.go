// Package timeout resolves the effective timeout for each timeout class from
// per-call, per-proxy, and process-wide override settings.
package timeout

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Class identifies what a timeout bounds.
type Class uint8

const (
	Connect    Class = iota // transport establishment, including validation
	Request                 // progress of data transfer on an established connection
	Invocation              // caller-side deadline of a single call
	Close                   // graceful shutdown of a connection
)

func (c Class) String() string {
	switch c {
	case Connect:
		return "connect"
	case Request:
		return "request"
	case Invocation:
		return "invocation"
	case Close:
		return "close"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Infinite disables a timeout. Any negative duration is treated the same way.
const Infinite time.Duration = -1

const (
	DefaultConnectTimeout = 60 * time.Second
	DefaultRequestTimeout = 60 * time.Second
	DefaultCloseTimeout   = 10 * time.Second
)

// Value is an optional timeout setting. The zero Value is unset.
type Value struct {
	d  time.Duration
	ok bool
}

// Of returns a set Value. Negative durations normalize to Infinite.
func Of(d time.Duration) Value {
	if d < 0 {
		d = Infinite
	}
	return Value{d: d, ok: true}
}

// Millis returns a set Value of ms milliseconds; negative means Infinite.
func Millis(ms int) Value {
	if ms < 0 {
		return Of(Infinite)
	}
	return Of(time.Duration(ms) * time.Millisecond)
}

func (v Value) Get() (time.Duration, bool) { return v.d, v.ok }
func (v Value) IsSet() bool                { return v.ok }

// IsInfinite reports whether v is set to Infinite.
func (v Value) IsInfinite() bool { return v.ok && v.d < 0 }

// Or returns v's duration when set, otherwise def.
func (v Value) Or(def time.Duration) time.Duration {
	if v.ok {
		return v.d
	}
	return def
}

func (v Value) String() string {
	switch {
	case !v.ok:
		return "unset"
	case v.d < 0:
		return "infinite"
	default:
		return v.d.String()
	}
}

// UnmarshalText accepts a Go duration ("250ms"), a bare integer taken as
// milliseconds ("250"), or "infinite"/"-1". Empty text leaves v unset.
func (v *Value) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*v = Value{}
		return nil
	}
	if strings.EqualFold(s, "infinite") || strings.EqualFold(s, "none") {
		*v = Of(Infinite)
		return nil
	}
	if ms, err := strconv.Atoi(s); err == nil {
		*v = Millis(ms)
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("timeout: invalid value %q: %w", s, err)
	}
	*v = Of(d)
	return nil
}

func (v Value) MarshalText() ([]byte, error) {
	if !v.ok {
		return nil, nil
	}
	return []byte(v.String()), nil
}
