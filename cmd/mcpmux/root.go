package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/go-mcp-mux/internal/logging"
)

// app carries the resolved configuration to the subcommands.
type app struct {
	configPath string
	cfg        Config
	logger     *slog.Logger

	// Flag values, applied over the file when set.
	logLevel  string
	logFormat string
	transport string
	address   string
	url       string
}

func newRootCmd() *cobra.Command {
	return newAppCmd(&app{})
}

func newAppCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mcpmux",
		Short:         "Serve or call MCP sessions over stdio, SSE, callback or WebSocket",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVarP(&a.transport, "transport", "t", "", "Transport (stdio, sse, callback, websocket)")
	flags.StringVar(&a.address, "address", "", "Listen address for HTTP transports")
	flags.StringVar(&a.url, "url", "", "Server url to connect to")

	root.AddCommand(newServeCmd(a), newCallCmd(a))
	return root
}

// load reads the config file and lays the changed flags over it.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if flags.Changed("transport") {
		cfg.Transport.Kind = a.transport
	}
	if flags.Changed("address") {
		cfg.Transport.Address = a.address
	}
	if flags.Changed("url") {
		cfg.Transport.URL = a.url
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: logging.ParseFormat(cfg.Log.Format),
		Output: cmd.ErrOrStderr(),
	})
	return nil
}
