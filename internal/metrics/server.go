package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Serve exposes the default registry on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	return serveListener(ctx, ln, logger)
}

func serveListener(ctx context.Context, ln net.Listener, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", Default.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Snapshot returns the current relay counters keyed by metric name, for
// status lines on shutdown.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"received":  MessagesReceived.Value(),
		"ignored":   MessagesIgnored.Value(),
		"replied":   RepliesSent.Value(),
		"failed":    SendFailures.Value(),
		"fallbacks": CompletionFallbacks.Value(),
		"reconnect": Reconnects.Value(),
	}
}
