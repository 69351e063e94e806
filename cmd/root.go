package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lmbridge/lmbridge/pkg/logutil"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "lmbridge",
	Short: "Local language-model bridge and protocol proxy",
	Long:  "lmbridge exposes a language-model upstream as a native JSON/SSE bridge plus Ollama- and OpenAI-compatible surfaces.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(logLevel)
	}
}
