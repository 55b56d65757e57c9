// cmd/server/main.go
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "dashboard",
		Short:         "Campaign dashboard backend for birthday and billing messages",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to dashboard.toml")

	rootCmd.AddCommand(
		newServeCmd(v, &configPath),
		newConfigCmd(v, &configPath),
	)
	return rootCmd
}
