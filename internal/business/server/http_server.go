package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/samber/oops"

	slogctx "github.com/veqryn/slog-context"

	"github.com/verimeet/broker/internal/config"
	"github.com/verimeet/broker/internal/flow"
)

// createHTTPServer creates the public API http server using the given config.
func createHTTPServer(_ context.Context, cfg *config.Config, engine *flow.Engine) *http.Server {
	broker := newBrokerServer(engine)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/start", withTelemetry(cfg, "start", broker.handleStart))
	mux.HandleFunc("GET /session/{id}/status", withTelemetry(cfg, "status", broker.handleStatus))
	mux.HandleFunc("GET /session/{id}/continue", withTelemetry(cfg, "continue", broker.handleContinue))
	mux.HandleFunc("POST /session/{id}/complete", withTelemetry(cfg, "complete", broker.handleComplete))
	mux.HandleFunc("POST /session/{id}/callback/attestation", withTelemetry(cfg, "attestation", broker.handleAttestation))
	mux.HandleFunc("GET /session_options/{purpose}", withTelemetry(cfg, "session_options", broker.handleOptions))
	mux.HandleFunc("GET /ping", pingHandlerFunc(cfg))

	return &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: mux,
	}
}

// StartHTTPServer starts the public API server using the given config.
func StartHTTPServer(ctx context.Context, cfg *config.Config, engine *flow.Engine) error {
	if err := initMeters(ctx, cfg); err != nil {
		return err
	}

	server := createHTTPServer(ctx, cfg, engine)

	slogctx.Info(ctx, "Starting a listener", "address", server.Addr)

	// Parse network if the address is provided in the format of
	// network://address, otherwise use tcp by default. Tests are easier to
	// implement by binding a listener to a unix socket rather than a TCP
	// port, since we don't need to look up a free port.
	network := "tcp"
	if idx := strings.IndexRune(server.Addr, ':'); idx != -1 && len(server.Addr) > idx+3 && server.Addr[idx:idx+3] == "://" {
		network = server.Addr[:idx]
		server.Addr = server.Addr[idx+3:]
	}

	listener, err := new(net.ListenConfig).Listen(ctx, network, server.Addr)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed to create a listener")
	}

	slogctx.Info(ctx, "A listener started", "address", listener.Addr().String())

	go func() {
		slogctx.Info(ctx, "Serving an HTTP server", "address", listener.Addr().String())
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogctx.Error(ctx, "Failed to serve an HTTP server", "error", err)
		}

		slogctx.Info(ctx, "Stopped an HTTP server")
	}()

	<-ctx.Done()

	shutdownCtx, shutdownRelease := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer shutdownRelease()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed shutting down HTTP server")
	}

	slogctx.Info(ctx, "Completed graceful shutdown of HTTP server")

	return nil
}
