// Package pprof serves runtime profiles of a running companion on a separate
// debug listener, so stuck sessions and leaking goroutines can be inspected
// without restarting.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"runtime"
	"time"

	"github.com/codefionn/deckcompanion/internal/logger"
	"github.com/julienschmidt/httprouter"
)

// Prefix is the path all profile endpoints live under
const Prefix = "/debug/pprof"

var namedProfiles = []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"}

// Router returns the profile endpoints
func Router() *httprouter.Router {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, Prefix+"/", netpprof.Index)
	router.HandlerFunc(http.MethodGet, Prefix+"/cmdline", netpprof.Cmdline)
	router.HandlerFunc(http.MethodGet, Prefix+"/profile", netpprof.Profile)
	router.HandlerFunc(http.MethodGet, Prefix+"/symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodPost, Prefix+"/symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodGet, Prefix+"/trace", netpprof.Trace)
	for _, name := range namedProfiles {
		router.Handler(http.MethodGet, Prefix+"/"+name, netpprof.Handler(name))
	}
	return router
}

// Serve listens on addr until ctx is cancelled. Block and mutex sampling is
// switched on for the lifetime of the listener.
func Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind pprof listener: %w", err)
	}
	return serve(ctx, ln)
}

func serve(ctx context.Context, ln net.Listener) error {
	log := logger.Named("pprof")

	runtime.SetBlockProfileRate(1)
	prevFraction := runtime.SetMutexProfileFraction(1)
	defer func() {
		runtime.SetBlockProfileRate(0)
		runtime.SetMutexProfileFraction(prevFraction)
	}()

	srv := &http.Server{Handler: Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info("Serving profiles on http://%s%s/", ln.Addr(), Prefix)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown pprof listener: %w", err)
	}
	return nil
}
