package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// NewHTTPServer creates a configured HTTP server
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// GracefulShutdown performs graceful shutdown of the HTTP server
func GracefulShutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return srv.Shutdown(ctx)
}

// SetupSignalHandler returns a channel receiving SIGINT, SIGTERM and SIGHUP.
func SetupSignalHandler() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	return ch
}

// IsReload reports whether sig asks for a configuration reload.
func IsReload(sig os.Signal) bool {
	return sig == syscall.SIGHUP
}

// Shutdownable is a component stopped after the HTTP server.
type Shutdownable interface {
	Shutdown(ctx context.Context) error
}

// ShutdownWithComponents shuts down the server first, then every component
// with an equal share of the timeout.
func ShutdownWithComponents(srv *http.Server, timeout time.Duration, components []Shutdownable) error {
	if err := GracefulShutdown(srv, timeout); err != nil {
		return err
	}

	for _, comp := range components {
		ctx, cancel := context.WithTimeout(context.Background(), timeout/time.Duration(len(components)+1))
		err := comp.Shutdown(ctx)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}
