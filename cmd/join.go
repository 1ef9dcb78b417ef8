package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/portal/internal/config"
	"github.com/BioHazard786/portal/internal/ui"
	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagRoom     string
	flagID       string
	flagName     string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
	flagHeadless bool
)

var joinCmd = &cobra.Command{
	Use:     "join [room]",
	Aliases: []string{"j"},
	Short:   "Join a room and connect to everyone in it",
	Long: `Join a room on a signaling server and open a WebRTC connection to every
other member. Members greet each other over a data channel and anything
typed is sent to all of them.

Examples:
  portal join
  portal join coffee-chat --name laptop
  portal join home --server wss://portal.example.com/portal --relay`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			flagRoom = args[0]
		}
		return join(cmd.Context())
	},
}

func join(ctx context.Context) error {
	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}

	session, err := NewSession(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	if flagHeadless {
		session.Attach(&printDisplay{})
		session.Start()
		<-ctx.Done()
		return nil
	}

	spinner := ui.RunConnectionSpinner(fmt.Sprintf("Joining %s on %s...", cfg.Room, cfg.URL))
	session.Start()
	select {
	case <-session.Joined():
		spinner.Success(fmt.Sprintf("Joined %s as %s", cfg.Room, session.ID()))
	case <-ctx.Done():
		spinner.Stop()
		return nil
	}

	roster := ui.NewRosterUI(cfg.Room, session.ID(), session.Say)
	roster.Start()
	defer roster.Stop()
	session.Attach(roster)

	select {
	case <-ctx.Done():
	case <-roster.Done():
	}
	return nil
}

func loadClientConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		ConfigFile: flagConfig,
		URL:        flagServer,
		Room:       flagRoom,
		ID:         flagID,
		Name:       flagName,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagServer, "server", "s", "", "Signaling server URL (default "+config.DefaultURL+")")
	joinCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "Room to join (default "+config.DefaultRoom+")")
	joinCmd.Flags().StringVar(&flagID, "id", "", "Identity to request, assigned by the server when empty")
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "Name shown to other peers (default hostname)")
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().BoolVar(&flagRelay, "relay", false, "Force relay mode")
	joinCmd.Flags().BoolVar(&flagHeadless, "headless", false, "Print activity as plain lines instead of the interactive roster")
}
