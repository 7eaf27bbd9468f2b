package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "snapdrop",
	Short: "Start and stop a DigitalOcean droplet from its snapshot",
	Long: `snapdrop keeps a single DigitalOcean droplet alive only while it is needed.

"create" boots the droplet from its latest snapshot and reports its IP.
"destroy" powers it off, takes a fresh snapshot, removes the previous one
and deletes the droplet. Both can be triggered from Discord (snapdrop bot)
or directly from the command line.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $CONFIG_PATH or snapdrop.yaml)")
}
