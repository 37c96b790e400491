// Package main is the corvidmq CLI: a thin cobra front end over the engine
// package, adapted from the teacher pack's cmd/pub.go flag conventions.
package main

import (
	"fmt"
	"os"

	"corvidmq/internal/logging"

	"github.com/spf13/cobra"
)

// rootCmd is the corvidmq entry point; pub and sub register themselves
// onto it from their own init().
var rootCmd = &cobra.Command{
	Use:   "corvidmq",
	Short: "A single-process MQTT client engine CLI",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetLevelFromName(logLevel)
	},
}

// logLevel is shared by every subcommand via the persistent --loglevel flag.
var logLevel string

// configFile points at an optional viper config file (see internal/config).
var configFile string

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&logLevel, "loglevel", "", "info", "log level: trace, debug, info, warn, error")
	flags.StringVarP(&configFile, "config", "", "", "path to a config file (YAML/JSON/TOML, see internal/config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
