// Command relayd runs a Chain Guild Protocol relay: a WebSocket endpoint
// serving per-guild signed event logs, with background retention pruning
// and checkpointing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relayd",
		Short: "relayd runs a Chain Guild Protocol relay",
	}
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newKeygenCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
