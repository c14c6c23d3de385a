package timeout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ConnectAndRequest(t *testing.T) {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }

	tests := []struct {
		name     string
		class    Class
		perCall  Value
		perProxy Value
		o        Overrides
		want     time.Duration
	}{
		{"connect default", Connect, Value{}, Value{}, Overrides{}, DefaultConnectTimeout},
		{"request default", Request, Value{}, Value{}, Overrides{}, DefaultRequestTimeout},
		{"per-proxy applies", Connect, Value{}, Millis(250), Overrides{}, ms(250)},
		{"per-call beats per-proxy", Request, Millis(100), Millis(250), Overrides{}, ms(100)},
		{"connect override wins", Connect, Millis(100), Millis(1000), Overrides{Connect: Millis(250)}, ms(250)},
		{"request override wins", Request, Value{}, Millis(1000), Overrides{Request: Millis(250)}, ms(250)},
		{"connect falls back to request override", Connect, Value{}, Millis(1000), Overrides{Request: Millis(300)}, ms(300)},
		{"connect override prefers connect", Connect, Value{}, Value{}, Overrides{Connect: Millis(50), Request: Millis(300)}, ms(50)},
		{"connect-only override leaves request alone", Request, Value{}, Millis(250), Overrides{Connect: Millis(750)}, ms(250)},
		{"infinite per-proxy", Request, Value{}, Millis(-1), Overrides{}, Infinite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.class, tt.perCall, tt.perProxy, tt.o))
		})
	}
}

func TestResolve_InvocationIgnoresOverrides(t *testing.T) {
	o := Overrides{Connect: Millis(1), Request: Millis(1), Close: Millis(1)}

	assert.Equal(t, Infinite, Resolve(Invocation, Value{}, Value{}, o))
	assert.Equal(t, 250*time.Millisecond, Resolve(Invocation, Value{}, Millis(250), o))
	assert.Equal(t, 100*time.Millisecond, Resolve(Invocation, Millis(100), Millis(250), o))
	assert.Equal(t, Infinite, Resolve(Invocation, Value{}, Millis(-1), o))
}

func TestResolve_CloseOnlyHonorsOverride(t *testing.T) {
	assert.Equal(t, DefaultCloseTimeout, Resolve(Close, Millis(5), Millis(5), Overrides{}))
	assert.Equal(t, 200*time.Millisecond, Resolve(Close, Millis(5), Millis(5), Overrides{Close: Millis(200)}))
}

// A per-proxy value set under an override is retained and takes effect again
// once resolved against overrides that lack it.
func TestResolve_PerProxyRetainedUnderOverride(t *testing.T) {
	perProxy := Millis(1000)
	with := Overrides{Connect: Millis(250)}

	assert.Equal(t, 250*time.Millisecond, Resolve(Connect, Value{}, perProxy, with))
	assert.Equal(t, time.Second, Resolve(Connect, Value{}, perProxy, Overrides{}))
}

func TestValue_UnmarshalText(t *testing.T) {
	tests := []struct {
		in   string
		want Value
	}{
		{"250ms", Millis(250)},
		{"250", Millis(250)},
		{"1s", Of(time.Second)},
		{"infinite", Of(Infinite)},
		{"-1", Of(Infinite)},
		{"", Value{}},
	}
	for _, tt := range tests {
		var v Value
		require.NoError(t, v.UnmarshalText([]byte(tt.in)), tt.in)
		assert.Equal(t, tt.want, v, tt.in)
	}

	var v Value
	assert.Error(t, v.UnmarshalText([]byte("soon")))
}

func TestValue_Accessors(t *testing.T) {
	var unset Value
	assert.False(t, unset.IsSet())
	assert.Equal(t, "unset", unset.String())
	assert.Equal(t, 3*time.Second, unset.Or(3*time.Second))

	inf := Millis(-5)
	assert.True(t, inf.IsInfinite())
	assert.Equal(t, "infinite", inf.String())

	d, ok := Millis(40).Get()
	assert.True(t, ok)
	assert.Equal(t, 40*time.Millisecond, d)
}

func TestDeadline(t *testing.T) {
	now := time.Now()
	assert.True(t, Deadline(now, Infinite).IsZero())
	assert.Equal(t, now.Add(time.Second), Deadline(now, time.Second))
}
