package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const envSTUNURLs = "GUARDIANLINK_STUN_URLS"

// defaultSTUNURLs is the hard-coded floor of traversal servers: session
// establishment must never be left with zero usable ICE servers, even when
// the TURN token service is unreachable.
var defaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// parseFallbackICEServers builds the STUN floor from the comma-separated
// override env var, or the built-in defaults when unset. TURN servers are
// provisioned separately with per-session credentials and are rejected here.
func parseFallbackICEServers(raw string) ([]webrtc.ICEServer, error) {
	urls := splitCommaSeparated(raw)
	if len(urls) == 0 {
		urls = defaultSTUNURLs
	}

	server := webrtc.ICEServer{URLs: urls}
	if err := validateSTUNServer(server); err != nil {
		return nil, fmt.Errorf("%s: %w", envSTUNURLs, err)
	}
	return []webrtc.ICEServer{server}, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func validateSTUNServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case url == "":
			return errors.New("urls must not contain empty entries")
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			return fmt.Errorf("turn url %q not allowed in the fallback set", raw)
		default:
			return fmt.Errorf("unsupported url scheme: %q", raw)
		}
	}
	return nil
}
