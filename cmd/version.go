package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lmbridge/lmbridge/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print lmbridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	})
}
