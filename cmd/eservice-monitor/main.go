package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var version = "dev"

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "eservice-monitor",
		Short:        "Health monitor for e-service versions",
		Long:         "eservice-monitor probes registered e-service versions, classifies their live state and serves telemetry statistics.",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to configuration file (defaults to $ESERVICE_MONITOR_CONFIG)")
	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("eservice-monitor version %s\n", version))

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatsCmd())
	return root
}
