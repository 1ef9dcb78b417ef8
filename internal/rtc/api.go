package rtc

import (
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/portal/internal/logging"
)

// ICESettings are the ICE servers and policy used for every peer connection.
type ICESettings struct {
	STUN       []string
	TURN       []string
	Username   string
	Credential string
	// ForceRelay restricts candidates to TURN relays. It only applies when a
	// TURN server is configured.
	ForceRelay bool
}

// restrictedNetwork is swapped out in tests.
var restrictedNetwork = RestrictedNetwork

// NewAPI builds a pion API with the default codecs whose internal logs go
// through logger. opts may adjust the setting engine further.
func NewAPI(logger *slog.Logger, opts ...func(*webrtc.SettingEngine)) (*webrtc.API, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, NewError("register codecs", err)
	}

	settings := webrtc.SettingEngine{
		LoggerFactory: logging.NewPionFactory(logger),
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithSettingEngine(settings),
	), nil
}

// Configuration turns s into a peer connection configuration. Relay-only
// policy is picked when asked for or when the host looks like it sits behind
// a VPN or carrier-grade NAT, and only if there is a TURN server to relay
// through.
func Configuration(s ICESettings) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(s.STUN) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: s.STUN})
	}
	if len(s.TURN) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.TURN,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if len(s.TURN) > 0 && (s.ForceRelay || restrictedNetwork()) {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
	}
}
