package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusTimeout time.Duration

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the droplet status",
	Long:  `Print whether the droplet is running, its public IP and the last recorded run.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := setup()
		defer a.Close()

		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()

		fmt.Println(a.manager.Status(ctx))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().DurationVarP(&statusTimeout, "timeout", "t", time.Minute, "Time limit for the API calls")
}
