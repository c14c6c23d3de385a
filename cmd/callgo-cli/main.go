package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"callgo/async"
	"callgo/config"
	"callgo/rpc"
)

func main() {
	os.Exit(run())
}

// run returns the exit status so deferred cleanup runs before exit.
func run() int {
	var (
		configPath = flag.String("config", "", "YAML properties file (CALLGO_* variables override it)")
		proxyStr   = flag.String("proxy", "timeout@127.0.0.1:10000", "target as identity@host:port")
		op         = flag.String("op", "op", "operation to invoke")
		data       = flag.String("data", "", "request payload")
		mode       = flag.String("mode", "twoway", "call mode: twoway, oneway, batch")
		useAsync   = flag.Bool("async", false, "invoke asynchronously and report through callbacks")
		count      = flag.Int("n", 1, "number of calls")
		timeout    = flag.Duration("timeout", 0, "per-proxy connect and request timeout (0 = default, <0 = infinite)")
		connectTO  = flag.Duration("connect-timeout", 0, "per-proxy connect timeout (0 = use -timeout)")
		invTO      = flag.Duration("invocation-timeout", 0, "per-proxy invocation timeout (0 = default, <0 = infinite)")
	)
	flag.Parse()

	props, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	logger := props.NewLogger(os.Stderr)
	comm := rpc.NewCommunicator(props.Communicator(logger))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := comm.Destroy(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "destroy: %v\n", err)
		}
	}()

	p, err := comm.ParseProxy(*proxyStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if *timeout != 0 {
		p = p.WithTimeout(*timeout)
	}
	if *connectTO != 0 {
		p = p.WithConnectTimeout(*connectTO)
	}
	if *invTO != 0 {
		p = p.WithInvocationTimeout(*invTO)
	}
	switch strings.ToLower(*mode) {
	case "twoway":
	case "oneway":
		p = p.Oneway()
	case "batch":
		p = p.BatchOneway()
	default:
		fmt.Fprintf(os.Stderr, "error: unknown mode %q\n", *mode)
		return 2
	}

	t := p.Timeouts()
	fmt.Printf("%s %s: connect=%v request=%v invocation=%v close=%v\n",
		p, p.Mode(), t.Connect, t.Request, t.Invocation, t.Close)

	failed := 0
	for i := 0; i < *count; i++ {
		start := time.Now()
		var err error
		if *useAsync {
			err = invokeAsync(p, *op, []byte(*data))
		} else {
			_, err = p.Invoke(context.Background(), *op, []byte(*data))
		}
		report(i, err, time.Since(start))
		if err != nil {
			failed++
		}
	}

	if p.Mode() == rpc.ModeBatchOneway {
		start := time.Now()
		err := p.FlushBatch(context.Background())
		report(-1, err, time.Since(start))
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func invokeAsync(p *rpc.Proxy, op string, body []byte) error {
	done := make(chan error, 1)
	cb := async.Twoway(func([]byte) { done <- nil }, func(err error) { done <- err }).
		WithUserException(func(err error) { done <- err }).
		WithSent(func(synchronous bool) {
			fmt.Printf("  sent (synchronously=%v)\n", synchronous)
		})
	comp, err := p.InvokeAsync(op, body, cb)
	if err != nil {
		return err
	}
	<-comp.Done()
	return <-done
}

func report(i int, err error, elapsed time.Duration) {
	label := fmt.Sprintf("call %d", i)
	if i < 0 {
		label = "flush"
	}
	var ue *rpc.UserError
	switch {
	case err == nil:
		fmt.Printf("%s: ok (%v)\n", label, elapsed.Round(time.Millisecond))
	case rpc.IsTimeout(err):
		fmt.Printf("%s: timeout: %v (%v)\n", label, err, elapsed.Round(time.Millisecond))
	case errors.As(err, &ue):
		fmt.Printf("%s: user exception %s (%v)\n", label, ue.ID, elapsed.Round(time.Millisecond))
	default:
		fmt.Printf("%s: failed: %v (%v)\n", label, err, elapsed.Round(time.Millisecond))
	}
}
