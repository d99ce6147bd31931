package main

import (
	"fmt"
	"os"

	"github.com/ignatij/execflow/internal/cli"
	"github.com/ignatij/execflow/internal/config"
	"github.com/ignatij/execflow/internal/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "execflow",
	Short:         "Run commands on the log service and follow their output",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if envErr := cfg.EnvFileError(); envErr != nil {
		log.GetLogger().Debugf("No .env file loaded: %v", envErr)
	}

	cli.SetupCLI(rootCmd, cfg)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
