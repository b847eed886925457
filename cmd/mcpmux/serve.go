package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/go-mcp-mux"
	"github.com/MegaGrindStone/go-mcp-mux/servers/calculator"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the calculator methods",
		Long: `Serve the calculator methods (add, subtract, echo, sleep) over the configured
transport. The stdio transport serves one session on stdin and stdout; the HTTP
transports serve one session per connection.

HTTP routes:
  sse        GET /sse opens a stream, POST /message?sessionID=<id> sends
  callback   POST / with a callbackUrl opens a session
  websocket  GET /ws upgrades`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) newManager() *mcp.SessionManager {
	handlerOpts := []mcp.HandlerOption{mcp.WithHandlerLogger(a.logger)}
	if rl := a.cfg.Server.RateLimit; rl.Rate > 0 {
		handlerOpts = append(handlerOpts, mcp.WithRateLimit(rl.Rate, rl.Burst))
	}
	handler := mcp.NewHandler(handlerOpts...)
	calculator.Register(handler)

	return mcp.NewSessionManager(
		mcp.WithManagerLogger(a.logger),
		mcp.WithSendTimeout(a.cfg.Server.SendTimeout),
		mcp.WithSubscriberHighWater(a.cfg.Server.HighWater),
		mcp.WithSessionHandler(handler),
	)
}

func (a *app) serve(ctx context.Context) error {
	manager := a.newManager()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			a.logger.Warn("failed to close sessions", "err", err)
		}
	}()

	if a.cfg.Transport.Kind == transportStdio {
		return a.serveStdio(ctx, manager)
	}

	mux := http.NewServeMux()
	switch a.cfg.Transport.Kind {
	case transportSSE:
		srv := mcp.NewSSEServer(manager, "/message", mcp.WithSSEServerLogger(a.logger))
		mux.Handle("/sse", srv.HandleSSE())
		mux.Handle("/message", srv.HandleMessage())
	case transportCallback:
		mux.Handle("/", mcp.NewCallbackServer(manager, nil, mcp.WithCallbackServerLogger(a.logger)))
	case transportWebSocket:
		mux.Handle("/ws", mcp.NewWebSocketServer(manager,
			mcp.WithWebSocketServerLogger(a.logger),
			mcp.WithWebSocketCheckOrigin(func(*http.Request) bool { return true })))
	}
	return a.serveHTTP(ctx, manager, mux)
}

func (a *app) serveStdio(ctx context.Context, manager *mcp.SessionManager) error {
	sess, err := manager.CreateSession(ctx, mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(a.logger)))
	if err != nil {
		return fmt.Errorf("failed to start stdio session: %w", err)
	}
	a.logger.Info("serving on stdio")

	select {
	case <-sess.Done():
	case <-ctx.Done():
		sess.Close()
	}
	return nil
}

func (a *app) serveHTTP(ctx context.Context, manager *mcp.SessionManager, handler http.Handler) error {
	httpSrv := &http.Server{
		Addr:              a.cfg.Transport.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		a.logger.Info("serving", "transport", a.cfg.Transport.Kind, "address", httpSrv.Addr)
		errs <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Long-lived SSE and WebSocket handlers only return once their sessions close,
	// which Shutdown does not do.
	httpSrv.RegisterOnShutdown(func() {
		for sess := range manager.Sessions() {
			sess.Close()
		}
	})
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}
