package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lmbridge/lmbridge/pkg/config"
	"github.com/lmbridge/lmbridge/pkg/logutil"
	"github.com/lmbridge/lmbridge/pkg/proxy"
)

var (
	proxyConfigPath         string
	proxyListenAddrOverride string
	proxyBridgeURLOverride  string
	proxyBridgeToken        string
)

func init() {
	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the Ollama/OpenAI compatibility proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(proxyConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cmd.Flags().Changed("loglevel") && cfg.LogLevel != "" {
				if err := logutil.Configure(cfg.LogLevel); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.Proxy.ListenAddr = proxyListenAddrOverride
			}
			if cmd.Flags().Changed("bridge-url") {
				cfg.Proxy.BridgeURL = proxyBridgeURLOverride
			}
			if cmd.Flags().Changed("bridge-token") {
				cfg.Proxy.BridgeToken = proxyBridgeToken
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}

			srv := proxy.NewServer(cfg.Proxy)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	proxyCmd.Flags().StringVar(&proxyConfigPath, "config", config.DefaultConfigPath(), "Config TOML path")
	proxyCmd.Flags().StringVar(&proxyListenAddrOverride, "listen-addr", "", "Override proxy listen address (e.g. 127.0.0.1:11434)")
	proxyCmd.Flags().StringVar(&proxyBridgeURLOverride, "bridge-url", "", "Override bridge base URL")
	proxyCmd.Flags().StringVar(&proxyBridgeToken, "bridge-token", "", "Override bridge bearer token")
	rootCmd.AddCommand(proxyCmd)
}
