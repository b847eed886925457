package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/go-mcp-mux"
)

type callOptions struct {
	command string
	args    []string
	timeout time.Duration
}

func newCallCmd(a *app) *cobra.Command {
	opts := &callOptions{}

	cmd := &cobra.Command{
		Use:   "call <method> [params]",
		Short: "Send one request to a server and print its result",
		Example: `  mcpmux call add '{"a":5,"b":3}' --command mcpmux --arg serve
  mcpmux call echo '{"message":"hi"}' -t sse --url http://localhost:8080/sse
  mcpmux call add '{"a":1,"b":2}' -t websocket --url ws://localhost:8080/ws`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params are not valid JSON: %s", args[1])
				}
				params = json.RawMessage(args[1])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			res, err := a.call(ctx, opts, args[0], params)
			if err != nil {
				return err
			}

			var out bytes.Buffer
			if err := json.Indent(&out, res.Value, "", "  "); err != nil {
				return fmt.Errorf("failed to format result: %w", err)
			}
			out.WriteByte('\n')
			_, err = out.WriteTo(cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVar(&opts.command, "command", "", "Command to spawn for the stdio transport")
	cmd.Flags().StringArrayVar(&opts.args, "arg", nil, "Argument of the spawned command, repeatable")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Time to wait for the result")
	return cmd
}

func (a *app) call(ctx context.Context, opts *callOptions, method string, params json.RawMessage) (*mcp.Result, error) {
	t, cleanup, err := a.clientTransport(opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	manager := mcp.NewSessionManager(mcp.WithManagerLogger(a.logger))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			a.logger.Warn("failed to close session", "err", err)
		}
	}()

	sess, err := manager.CreateSession(ctx, t)
	if err != nil {
		return nil, err
	}

	res, err := sess.Call(ctx, method, params)
	if err != nil {
		var rpcErr *mcp.Error
		if errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("%s failed: %w", method, rpcErr)
		}
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	return res, nil
}

// clientTransport builds the configured client transport. cleanup releases what the
// transport needs beyond its own lifetime, such as the callback listener.
func (a *app) clientTransport(opts *callOptions) (mcp.Transport, func(), error) {
	tc := a.cfg.Transport
	noop := func() {}

	switch tc.Kind {
	case transportStdio:
		name, args := tc.Command, tc.Args
		if opts.command != "" {
			name, args = opts.command, opts.args
		}
		if name == "" {
			return nil, nil, errors.New("stdio transport needs a command")
		}
		return mcp.NewStdioCommand(name, args, mcp.WithStdioCommandLogger(a.logger)), noop, nil
	case transportSSE:
		if tc.URL == "" {
			return nil, nil, errors.New("sse transport needs a url")
		}
		return mcp.NewSSEClient(tc.URL, nil, mcp.WithSSEClientLogger(a.logger)), noop, nil
	case transportWebSocket:
		if tc.URL == "" {
			return nil, nil, errors.New("websocket transport needs a url")
		}
		return mcp.NewWebSocketClient(tc.URL, mcp.WithWebSocketClientLogger(a.logger)), noop, nil
	case transportCallback:
		if tc.URL == "" {
			return nil, nil, errors.New("callback transport needs a url")
		}
		return a.callbackTransport(tc)
	}
	return nil, nil, fmt.Errorf("unknown transport %q", tc.Kind)
}

func (a *app) callbackTransport(tc TransportConfig) (mcp.Transport, func(), error) {
	ln, err := net.Listen("tcp", tc.CallbackAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for callbacks: %w", err)
	}

	host := ln.Addr().String()
	if strings.HasPrefix(tc.CallbackAddress, ":") {
		host = "localhost" + tc.CallbackAddress
	}
	receiver := mcp.NewCallbackReceiver("http://"+host+"/callback", mcp.WithCallbackReceiverLogger(a.logger))

	mux := http.NewServeMux()
	mux.Handle("/callback/", receiver)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("callback listener failed", "err", err)
		}
	}()

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return mcp.NewCallbackClient(tc.URL, receiver, nil, mcp.WithCallbackClientLogger(a.logger)), cleanup, nil
}
