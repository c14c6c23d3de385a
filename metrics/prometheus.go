// Package metrics exports invocation and connection events to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"callgo/async"
	"callgo/rpc"
)

// PrometheusObserver implements rpc.Observer.
type PrometheusObserver struct {
	started     *prometheus.CounterVec
	finished    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	retries     prometheus.Counter
}

// NewPrometheusObserver registers the callgo collectors with reg. A nil reg
// uses the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		started: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callgo_invocations_started_total",
				Help: "Invocations started, by operation and mode",
			},
			[]string{"operation", "mode"},
		),
		finished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callgo_invocations_finished_total",
				Help: "Invocations finished, by operation, mode, outcome and error class",
			},
			[]string{"operation", "mode", "outcome", "error"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callgo_invocation_duration_seconds",
				Help:    "Time from invocation start to its terminal outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "mode"},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callgo_connection_transitions_total",
				Help: "Connection state transitions",
			},
			[]string{"from", "to"},
		),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "callgo_invocation_retries_total",
			Help: "Invocation retries; this layer never retries",
		}),
	}
}

func (o *PrometheusObserver) InvocationStarted(_, operation string, mode rpc.Mode) {
	o.started.WithLabelValues(operation, mode.String()).Inc()
}

func (o *PrometheusObserver) InvocationFinished(_, operation string, mode rpc.Mode, kind async.Kind, err error, elapsed time.Duration) {
	o.finished.WithLabelValues(operation, mode.String(), kind.String(), errorClass(err)).Inc()
	o.duration.WithLabelValues(operation, mode.String()).Observe(elapsed.Seconds())
}

func (o *PrometheusObserver) ConnectionStateChanged(_ string, from, to rpc.State) {
	o.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// errorClass maps err to a bounded label value.
func errorClass(err error) string {
	var ue *rpc.UserError
	var unk *rpc.UnknownError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, rpc.ErrInvocationTimeout):
		return "invocation_timeout"
	case errors.Is(err, rpc.ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, rpc.ErrRequestTimeout):
		return "request_timeout"
	case errors.Is(err, rpc.ErrCloseTimeout):
		return "close_timeout"
	case rpc.IsConnectionClosed(err):
		return "connection"
	case errors.As(err, &ue):
		return "user"
	case errors.As(err, &unk):
		return "unknown"
	case errors.Is(err, rpc.ErrObjectNotExist), errors.Is(err, rpc.ErrFacetNotExist), errors.Is(err, rpc.ErrOperationNotExist):
		return "not_exist"
	default:
		return "other"
	}
}
