// Command cowrite joins a shared document by name. The first participant
// hosts; everyone else connects to the host directly.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	directory string
	debug     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cowrite",
		Short: "Cowrite: serverless shared documents over WebRTC",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: config/config.<CONFIG_ENV>.yaml)")
	rootCmd.PersistentFlags().StringVarP(&directory, "directory", "d", "", "Directory endpoint, http(s):// or ws(s):// (overrides peer.directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug logging")

	rootCmd.AddCommand(newConnectCmd(), newSessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
