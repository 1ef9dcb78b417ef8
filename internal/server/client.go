package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/portal/internal/hub"
	"github.com/BioHazard786/portal/internal/signaling"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames buffered per client before it counts as too slow.
	sendBuffer = 256
)

// Client is a wrapper for a single websocket connection. It is the hub's
// Traveller for that connection.
type Client struct {
	hub  *hub.Hub
	conn *websocket.Conn
	log  *slog.Logger

	id   string
	room string

	// send is drained by WritePump; Send never blocks on it.
	send chan []byte

	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *hub.Hub, conn *websocket.Conn, id, room string, opts Options, logger *slog.Logger) *Client {
	limit := rate.Inf
	if opts.MessagesPerSecond > 0 {
		limit = rate.Limit(opts.MessagesPerSecond)
	}
	burst := int(opts.MessagesPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		hub:     h,
		conn:    conn,
		log:     logger.With("id", id, "room", room, "remote", conn.RemoteAddr().String()),
		id:      id,
		room:    room,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(limit, burst),
		done:    make(chan struct{}),
	}
}

func (c *Client) ID() string   { return c.id }
func (c *Client) Room() string { return c.room }

// Send encodes and enqueues an envelope. A client whose buffer is full is
// disconnected rather than allowed to stall the room.
func (c *Client) Send(typ string, payload any, from string) {
	frame, err := signaling.Encode(typ, payload, "", from)
	if err != nil {
		c.log.Error("encode envelope", "type", typ, "err", err)
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	default:
		c.log.Warn("send buffer full, closing slow client")
		c.Close()
	}
}

// Close stops the pumps. It is safe to call more than once and from any
// goroutine.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump(maxMessageBytes int64) {
	// When this function exits (e.g., connection closes), leave the room
	defer func() {
		if err := c.hub.OnClose(c); err != nil {
			c.hub.HandleTravellerError(c, err)
		}
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read failed", "err", err)
			}
			return
		}
		// Any frame proves liveness, not only control pongs.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind != websocket.TextMessage {
			c.log.Warn("traveller@message bad_message", "kind", kind)
			continue
		}
		if !c.limiter.Allow() {
			c.log.Warn("traveller@message rate limited, dropping frame")
			continue
		}

		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("traveller@message bad_message", "err", err)
			continue
		}

		if err := c.hub.OnMessage(c, env); err != nil {
			switch {
			case errors.Is(err, hub.ErrUntargeted), errors.Is(err, hub.ErrTargetOffline):
				c.log.Warn(err.Error(), "type", env.Type, "target", env.Target)
			default:
				c.hub.HandleTravellerError(c, err)
			}
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	// When this function exits, stop the ticker and close the connection
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn("write failed", "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
