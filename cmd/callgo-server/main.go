package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callgo/config"
	"callgo/metrics"
	"callgo/rpc"
	"callgo/server"
)

func main() {
	var (
		configPath  = flag.String("config", "", "YAML properties file (CALLGO_* variables override it)")
		network     = flag.String("network", "", "network type: tcp, tcp4, tcp6, unix (default tcp)")
		host        = flag.String("host", "", "listen address or unix socket path (default 127.0.0.1)")
		port        = flag.Int("port", 10000, "listen port (ignored for unix)")
		workers     = flag.Int("workers", 0, "dispatch workers (0 = from config)")
		identity    = flag.String("identity", "timeout", "identity of the test servant")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address (empty = disabled)")
	)
	flag.Parse()

	if *port < 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "error: -port must be in range 0-65535")
		os.Exit(2)
	}

	props, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *workers > 0 {
		props.ServerWorkers = *workers
	}
	logger := props.NewLogger(os.Stderr)

	copts := props.Communicator(logger)
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		copts.Observer = metrics.NewPrometheusObserver(reg)
		go serveMetrics(*metricsAddr, reg)
	}
	comm := rpc.NewCommunicator(copts)

	aopts := props.Adapter("TestAdapter", uint16(*port), logger)
	aopts.Network = *network
	aopts.Host = *host
	a := server.NewAdapter(comm, aopts)
	if _, err := a.Add(*identity, timeoutServant(a)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := a.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("callgo-server listening on %s (proxy %s@%s)\n", a.Addr(), *identity, a.Addr())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	fmt.Println("shutting down (5s grace period)...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = errors.Join(a.Shutdown(ctx), comm.Destroy(ctx))
	if err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("bye")
}

// timeoutServant implements the operations used to exercise client timeouts.
// Durations in payloads are milliseconds.
func timeoutServant(a *server.Adapter) *server.Servant {
	return server.NewServant().
		Handle("op", func(context.Context, []byte) ([]byte, error) {
			return nil, nil
		}).
		Handle("sendData", func(context.Context, []byte) ([]byte, error) {
			return nil, nil
		}).
		Handle("sleep", func(_ context.Context, in []byte) ([]byte, error) {
			d, err := millis(in)
			if err != nil {
				return nil, err
			}
			time.Sleep(d)
			return nil, nil
		}).
		Handle("holdAdapter", func(_ context.Context, in []byte) ([]byte, error) {
			d, err := millis(in)
			if err != nil {
				return nil, err
			}
			a.HoldFor(d)
			return nil, nil
		})
}

func millis(in []byte) (time.Duration, error) {
	ms, err := strconv.Atoi(string(in))
	if err != nil || ms < 0 {
		return 0, &rpc.UserError{ID: "::Test::BadDuration", Data: in}
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "metrics: %v\n", err)
	}
}
