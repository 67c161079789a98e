// Command socketd runs a standalone socket server with a Prometheus
// endpoint, a health check and an HTTP publish bridge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

type cliFlags struct {
	configPath      string
	addr            string
	path            string
	authKey         string
	logLevel        string
	logFormat       string
	shutdownTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:           "socketd",
		Short:         "socketd - realtime pub/sub and RPC over websockets",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadFileConfig(flags.configPath)
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	f.StringVar(&flags.addr, "addr", "", "listen address (overrides config)")
	f.StringVar(&flags.path, "path", "", "websocket endpoint path (overrides config)")
	f.StringVar(&flags.authKey, "auth-key", "", "HMAC key for auth tokens (overrides config)")
	f.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&flags.logFormat, "log-format", "", "log format: json or text")
	f.DurationVar(&flags.shutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	return cmd
}

// apply overlays the flags the user actually set.
func (fl *cliFlags) apply(cmd *cobra.Command, cfg *FileConfig) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr = fl.addr
	}
	if f.Changed("path") {
		cfg.Path = fl.path
	}
	if f.Changed("auth-key") {
		cfg.Auth.Key = fl.authKey
	}
	if f.Changed("log-level") {
		cfg.Log.Level = fl.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = fl.logFormat
	}
	if f.Changed("shutdown-timeout") {
		cfg.ShutdownTimeout = fl.shutdownTimeout
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
