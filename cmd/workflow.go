package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"snapdrop/internal/manager"

	"github.com/spf13/cobra"
)

var requester string

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:     "provision",
	Aliases: []string{"create"},
	Short:   "Create the droplet from its snapshot",
	Long:    `Create the droplet from the configured snapshot and wait until it has a public IP.`,
	Run: func(cmd *cobra.Command, args []string) {
		runWorkflow(manager.KindProvision)
	},
}

// destroyCmd represents the destroy command
var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Snapshot the droplet and delete it",
	Long: `Power off the droplet, take a new snapshot, delete the previous snapshot
and finally delete the droplet. The droplet is kept if the snapshot fails.`,
	Run: func(cmd *cobra.Command, args []string) {
		runWorkflow(manager.KindDestroy)
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(destroyCmd)

	for _, c := range []*cobra.Command{provisionCmd, destroyCmd} {
		c.Flags().StringVar(&requester, "requester", "cli", "Name recorded in the run history")
	}
}

// runWorkflow runs kind to completion and exits non-zero on failure
func runWorkflow(kind manager.Kind) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := setup()
	out := a.manager.Run(ctx, kind, requester)
	a.Close()

	fmt.Println(out.Message)
	if !out.OK {
		os.Exit(1)
	}
}
