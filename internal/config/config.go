package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values
const (
	DefaultListen          = ":8080"
	DefaultPath            = "/portal"
	DefaultURL             = "ws://localhost:8080/portal"
	DefaultRoom            = "home"
	DefaultSTUN            = "stun:stun.l.google.com:19302"
	DefaultMaxMessageBytes = 64 * 1024
	DefaultReconnectDelay  = 2 * time.Second
	DefaultPingInterval    = 10 * time.Second
	DefaultPongTimeout     = 5 * time.Second
)

// DefaultRooms are provisioned when nothing else names rooms.
var DefaultRooms = []string{"coffee-chat", "home", "misc"}

var (
	ErrNoRooms       = errors.New("at least one room is required")
	ErrInvalidRoom   = errors.New("invalid room name")
	ErrInvalidPath   = errors.New("signaling path must start with /")
	ErrInvalidTiming = errors.New("durations must be positive")
)

// Config holds application configuration
type Config struct {
	// Server side.
	Listen            string
	Path              string
	Rooms             []string
	MaxMessageBytes   int64
	MessagesPerSecond float64

	// Client side.
	URL  string
	Room string
	ID   string
	Name string

	ReconnectDelay time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// Options for loading config with CLI flag overrides. Zero values are unset.
type Options struct {
	ConfigFile string

	Listen            string
	Path              string
	Rooms             []string
	MessagesPerSecond float64

	URL  string
	Room string
	ID   string
	Name string

	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// fileConfig is the layout of the TOML config file.
type fileConfig struct {
	Server struct {
		Listen            string   `toml:"listen"`
		Path              string   `toml:"path"`
		Rooms             []string `toml:"rooms"`
		MaxMessageBytes   int64    `toml:"max_message_bytes"`
		MessagesPerSecond float64  `toml:"messages_per_second"`
	} `toml:"server"`

	Client struct {
		URL            string `toml:"url"`
		Room           string `toml:"room"`
		ID             string `toml:"id"`
		Name           string `toml:"name"`
		ReconnectDelay string `toml:"reconnect_delay"`
		PingInterval   string `toml:"ping_interval"`
		PongTimeout    string `toml:"pong_timeout"`
	} `toml:"client"`

	ICE struct {
		STUN       string `toml:"stun"`
		TURN       string `toml:"turn"`
		Username   string `toml:"username"`
		Password   string `toml:"password"`
		ForceRelay bool   `toml:"force_relay"`
	} `toml:"ice"`
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Config file (--config or PORTAL_CONFIG)
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	var file fileConfig
	path := first(opts.ConfigFile, os.Getenv("PORTAL_CONFIG"))
	if path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Listen:            first(opts.Listen, os.Getenv("PORTAL_LISTEN"), file.Server.Listen, DefaultListen),
		Path:              first(opts.Path, os.Getenv("PORTAL_PATH"), file.Server.Path, DefaultPath),
		MaxMessageBytes:   file.Server.MaxMessageBytes,
		MessagesPerSecond: file.Server.MessagesPerSecond,

		URL:  first(opts.URL, os.Getenv("PORTAL_URL"), file.Client.URL, DefaultURL),
		Room: first(opts.Room, os.Getenv("PORTAL_ROOM"), file.Client.Room, DefaultRoom),
		ID:   first(opts.ID, file.Client.ID),
		Name: first(opts.Name, file.Client.Name, hostname()),

		STUNServer: first(opts.STUNServer, os.Getenv("STUN_SERVER"), file.ICE.STUN, DefaultSTUN),
		TURNServer: first(opts.TURNServer, os.Getenv("TURN_SERVER"), file.ICE.TURN),
		TURNUser:   first(opts.TURNUser, os.Getenv("TURN_USERNAME"), file.ICE.Username),
		TURNPass:   first(opts.TURNPass, os.Getenv("TURN_PASSWORD"), file.ICE.Password),
	}

	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.MessagesPerSecond > 0 {
		cfg.MessagesPerSecond = opts.MessagesPerSecond
	}

	switch {
	case len(opts.Rooms) > 0:
		cfg.Rooms = opts.Rooms
	case os.Getenv("PORTAL_ROOMS") != "":
		cfg.Rooms = strings.Split(os.Getenv("PORTAL_ROOMS"), ",")
	case len(file.Server.Rooms) > 0:
		cfg.Rooms = file.Server.Rooms
	default:
		cfg.Rooms = DefaultRooms
	}
	cfg.Rooms = trimAll(cfg.Rooms)

	relay, err := forceRelay(opts.ForceRelay, file.ICE.ForceRelay)
	if err != nil {
		return nil, err
	}
	cfg.ForceRelay = relay

	timings := []struct {
		dst *time.Duration
		raw string
		def time.Duration
		key string
	}{
		{&cfg.ReconnectDelay, file.Client.ReconnectDelay, DefaultReconnectDelay, "reconnect_delay"},
		{&cfg.PingInterval, file.Client.PingInterval, DefaultPingInterval, "ping_interval"},
		{&cfg.PongTimeout, file.Client.PongTimeout, DefaultPongTimeout, "pong_timeout"},
	}
	for _, tm := range timings {
		*tm.dst = tm.def
		if tm.raw == "" {
			continue
		}
		d, err := time.ParseDuration(tm.raw)
		if err != nil {
			return nil, fmt.Errorf("client.%s: %w", tm.key, err)
		}
		*tm.dst = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default away.
func (c *Config) Validate() error {
	if len(c.Rooms) == 0 {
		return ErrNoRooms
	}
	seen := make(map[string]bool, len(c.Rooms))
	for _, r := range c.Rooms {
		if r == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidRoom)
		}
		if seen[r] {
			return fmt.Errorf("%w: %q listed twice", ErrInvalidRoom, r)
		}
		seen[r] = true
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, c.Path)
	}
	if c.ReconnectDelay <= 0 || c.PingInterval <= 0 || c.PongTimeout <= 0 {
		return ErrInvalidTiming
	}
	if c.MessagesPerSecond < 0 {
		return fmt.Errorf("messages per second must not be negative: %v", c.MessagesPerSecond)
	}
	return nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured. A bare host is
// expanded to the usual UDP, TCP and TLS endpoints.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.Contains(c.TURNServer, "?") {
		return []string{c.TURNServer}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.TURNServer, "turn:"), "turns:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

func forceRelay(flag, file bool) (bool, error) {
	if flag {
		return true, nil
	}
	if v, ok := os.LookupEnv("FORCE_RELAY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("FORCE_RELAY: %w", err)
		}
		return b, nil
	}
	return file, nil
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "portal"
	}
	return name
}
