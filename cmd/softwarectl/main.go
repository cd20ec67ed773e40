// Command softwarectl controls softwared through its HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Version stores the version string of this build. This should be set using -ldflags during compilation.
	Version string
)

func main() {
	var (
		address string
		timeout time.Duration
	)

	var c *client

	root := &cobra.Command{
		Use:           "softwarectl",
		Short:         "Check for, download and apply system updates",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			c, err = newClient(address, timeout)
			return err
		},
	}

	root.PersistentFlags().StringVar(&address, "api", "localhost:9090", "Address of the softwared API")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Give up on requests after this long (0 waits forever)")

	clientFn := func() *client { return c }

	root.AddCommand(statusCmd(clientFn))
	root.AddCommand(checkCmd(clientFn))
	root.AddCommand(downloadCmd(clientFn))
	root.AddCommand(applyCmd(clientFn))
	root.AddCommand(cacheCmd(clientFn))
	root.AddCommand(targetCmd(clientFn))
	root.AddCommand(progressCmd(clientFn))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
