package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/portal/internal/hub"
	"github.com/BioHazard786/portal/internal/signaling"
)

// Defaults for Options.
const (
	DefaultPath            = "/portal"
	DefaultMaxMessageBytes = 64 * 1024 // 64 KB - enough for WebRTC SDP messages
)

// Options tune the accept layer.
type Options struct {
	// Path the signaling endpoint is mounted on.
	Path string
	// MaxMessageBytes caps one inbound frame.
	MaxMessageBytes int64
	// MessagesPerSecond limits inbound frames per connection; 0 disables.
	MessagesPerSecond float64
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024, // 64 KB
	WriteBufferSize: 64 * 1024, // 64 KB

	// Travellers are not authenticated, so origins are not either.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewRouter mounts the health check and the signaling endpoint.
func NewRouter(h *hub.Hub, opts Options) *http.ServeMux {
	opts = opts.withDefaults()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthCheckHandler)
	mux.HandleFunc(opts.Path, ServeWs(h, opts))
	return mux
}

// Health Check endpoint
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

// ServeWs returns an http.HandlerFunc that upgrades the request and hands the
// connection to the hub as a traveller of the room named in the query.
func ServeWs(h *hub.Hub, opts Options) http.HandlerFunc {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "server")

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", "err", err)
			return
		}

		q := r.URL.Query()
		room := q.Get("room")
		id := q.Get("id")
		if id == "" {
			id = uuid.NewString()
		}

		if room == "" {
			reject(conn, signaling.CodeRoomNotSet, logger)
			return
		}

		client := newClient(h, conn, id, room, opts, logger)
		if err := h.OnConnect(client); err != nil {
			if errors.Is(err, hub.ErrRoomNotFound) {
				reject(conn, signaling.CodeRoomNotFound, logger)
			} else {
				h.HandleTravellerError(client, err)
				conn.Close()
			}
			return
		}

		// Start the client's read and write pumps in separate goroutines
		// These methods will handle the client's lifecycle
		go client.WritePump()
		go client.ReadPump(opts.MaxMessageBytes)
	}
}

// reject tells the connection why it was refused and closes it. It is never
// admitted to a room.
func reject(conn *websocket.Conn, code string, logger *slog.Logger) {
	defer conn.Close()

	logger.Info("connection refused", "code", code, "remote", conn.RemoteAddr().String())

	frame, err := signaling.Encode(signaling.TypeError, signaling.ErrorSignal{Code: code}, "", "")
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code))
}
