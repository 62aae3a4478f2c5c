// Command coordinatorctl is the operator CLI for the coordinator: `run`
// starts the process directly (the same wiring as cmd/coordinatord);
// pause/resume/force-close/shutdown and status talk to a running
// coordinator's control API instead.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var addr string

func main() {
	root := &cobra.Command{
		Use:           "coordinatorctl",
		Short:         "Run or operate a predictcoord coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:9191", "coordinator control API base URL")

	root.AddCommand(
		newRunCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newForceCloseCmd(),
		newShutdownCmd(),
		newStatusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
