package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lmbridge/lmbridge/pkg/bridge"
	"github.com/lmbridge/lmbridge/pkg/config"
	"github.com/lmbridge/lmbridge/pkg/logutil"
	"github.com/lmbridge/lmbridge/pkg/provider"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveAuthTokenOverride  string
	serveMaxConcurrent      int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cmd.Flags().Changed("loglevel") && cfg.LogLevel != "" {
				if err := logutil.Configure(cfg.LogLevel); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.Bridge.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("auth-token") {
				cfg.Bridge.AuthToken = serveAuthTokenOverride
			}
			if cmd.Flags().Changed("max-concurrent") {
				cfg.Bridge.MaxConcurrent = serveMaxConcurrent
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}

			srv := bridge.NewServer(cfg.Bridge, provider.NewOpenAI(cfg.Upstream))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "Config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override bridge listen address (e.g. 127.0.0.1:39217)")
	serveCmd.Flags().StringVar(&serveAuthTokenOverride, "auth-token", "", "Override bridge bearer token")
	serveCmd.Flags().IntVar(&serveMaxConcurrent, "max-concurrent", 0, "Override max concurrent chat sessions")
	rootCmd.AddCommand(serveCmd)
}
