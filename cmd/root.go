package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/BioHazard786/portal/internal/ui"
	"github.com/BioHazard786/portal/internal/version"
	"github.com/spf13/cobra"
)

var flagConfig string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "portal",
	Short: "Room-based WebRTC signaling server and peer client",
	Long: `Portal runs a small signaling server with a fixed set of rooms and a client
that joins a room and opens a peer connection to everyone else in it.

Peers negotiate with each other directly; the server only relays offers,
answers and ICE candidates between members of the same room.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to a TOML config file")
}
