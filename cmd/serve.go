package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BioHazard786/portal/internal/config"
	"github.com/BioHazard786/portal/internal/hub"
	"github.com/BioHazard786/portal/internal/server"
	"github.com/BioHazard786/portal/internal/ui"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var (
	flagListen string
	flagPath   string
	flagRooms  []string
	flagRate   float64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	Long: `Run the signaling server. Every room is created at startup and lives for
as long as the server does.

Examples:
  portal serve
  portal serve --listen :9000 --room lobby --room den
  portal serve --config portal.toml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(config.Options{
		ConfigFile:        flagConfig,
		Listen:            flagListen,
		Path:              flagPath,
		Rooms:             flagRooms,
		MessagesPerSecond: flagRate,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.Default()
	h := hub.New(cfg.Rooms, logger)
	srv := &http.Server{
		Handler: server.NewRouter(h, server.Options{
			Path:              cfg.Path,
			MaxMessageBytes:   cfg.MaxMessageBytes,
			MessagesPerSecond: cfg.MessagesPerSecond,
			Logger:            logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	ui.PrintSuccessf("Signaling server listening on %s", ln.Addr())
	ui.RenderRooms(publicURL(ln.Addr(), cfg.Path), h.Rooms())
	logger.Info("serving", "addr", ln.Addr().String(), "path", cfg.Path, "rooms", len(cfg.Rooms))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// publicURL is the signaling URL a client on this machine would dial.
func publicURL(addr net.Addr, path string) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "ws://" + addr.String() + path
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, port) + path
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "Address to listen on (default "+config.DefaultListen+")")
	serveCmd.Flags().StringVar(&flagPath, "path", "", "Path of the signaling endpoint (default "+config.DefaultPath+")")
	serveCmd.Flags().StringSliceVar(&flagRooms, "room", nil, "Room to provide, repeatable")
	serveCmd.Flags().Float64Var(&flagRate, "rate", 0, "Inbound messages per second per connection, 0 for unlimited")
}
