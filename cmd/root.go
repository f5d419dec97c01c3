package cmd

import (
	"fmt"
	"os"

	"github.com/fluxrill/pdal/cmd/bench"
	"github.com/fluxrill/pdal/cmd/docs"
	"github.com/fluxrill/pdal/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "pdal",
		Short: "partitioned document access layer",
		Long: fmt.Sprintf(`pdal (v%s)

A partitioned document access layer written in Go. It routes reads and
writes across partition replicas, retries transient failures with bounded
backoff, coordinates write acknowledgement levels, and pages through
documents with cursors that survive partition splits and merges.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of pdal",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pdal v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(docs.DocumentCommands)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "codec"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("cursor codec to use (binary, json)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "warning", util.WrapString("log level (debug, info, warning, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
