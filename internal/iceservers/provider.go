// Package iceservers resolves the ICE server set for a session attempt: a
// hard-coded STUN floor plus best-effort TURN relays fetched from the
// credentialed token service. TURN acquisition failures degrade the session
// to STUN-only; they are never fatal.
package iceservers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/guardianlink/guardianlink/internal/metrics"
)

// Credentials authenticates against the TURN token service.
type Credentials struct {
	AccountID string
	AuthKey   string
}

// Config for a Provider. TokenURL empty disables the fetch entirely.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Fallback is the STUN floor, always present in the resolved list.
	Fallback []webrtc.ICEServer

	// TokenURL is the base endpoint; the request path is scoped by account id:
	// POST <TokenURL>/<account-id>/ice with Basic auth.
	TokenURL string

	HTTPClient     *http.Client
	AttemptTimeout time.Duration
	Retries        int
	RetryDelay     time.Duration
}

func (c Config) attemptTimeout() time.Duration {
	if c.AttemptTimeout <= 0 {
		return 3 * time.Second
	}
	return c.AttemptTimeout
}

func (c Config) retryDelay() time.Duration {
	if c.RetryDelay <= 0 {
		return time.Second
	}
	return c.RetryDelay
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

type Provider struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Provider {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Provider{cfg: cfg, log: log}
}

// Resolve returns the ordered ICE server list for one session attempt:
// STUN-class entries first, TURN-class entries after, so the negotiation
// engine exhausts direct and reflexive paths before relaying. The result is
// never empty.
func (p *Provider) Resolve(ctx context.Context, creds Credentials) []webrtc.ICEServer {
	servers := append([]webrtc.ICEServer(nil), p.cfg.Fallback...)

	if p.cfg.TokenURL == "" {
		return servers
	}

	fetched, err := p.fetchWithRetry(ctx, creds)
	if err != nil {
		p.cfg.Metrics.Inc(metrics.TurnFetchDegraded)
		p.log.Warn("TURN server fetch failed, degrading to STUN only", "err", err)
		return servers
	}

	var stun, turn []webrtc.ICEServer
	for _, s := range fetched {
		if hasTURNURL(s) {
			turn = append(turn, s)
		} else {
			stun = append(stun, s)
		}
	}
	servers = append(servers, stun...)
	servers = append(servers, turn...)
	return servers
}

func (p *Provider) fetchWithRetry(ctx context.Context, creds Credentials) ([]webrtc.ICEServer, error) {
	attempts := p.cfg.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.retryDelay()):
			}
		}
		servers, err := p.fetchOnce(ctx, creds)
		if err == nil {
			return servers, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// tokenResponse matches the token service's body:
// {"ice_servers":[{"url":..., "username":..., "credential":...}]}.
type tokenResponse struct {
	ICEServers []struct {
		URL        string `json:"url"`
		Username   string `json:"username"`
		Credential string `json:"credential"`
	} `json:"ice_servers"`
}

func (p *Provider) fetchOnce(ctx context.Context, creds Credentials) ([]webrtc.ICEServer, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.attemptTimeout())
	defer cancel()

	url := strings.TrimSuffix(p.cfg.TokenURL, "/") + "/" + creds.AccountID + "/ice"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(creds.AccountID, creds.AuthKey)

	resp, err := p.cfg.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("token service status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("token service returned empty body")
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("token service body: %w", err)
	}

	out := make([]webrtc.ICEServer, 0, len(parsed.ICEServers))
	for i, entry := range parsed.ICEServers {
		server := webrtc.ICEServer{
			URLs:     []string{strings.TrimSpace(entry.URL)},
			Username: strings.TrimSpace(entry.Username),
		}
		if strings.TrimSpace(entry.Credential) != "" {
			server.Credential = entry.Credential
		}
		if err := validateICEServer(server); err != nil {
			// Malformed entries are skipped, not fatal.
			p.log.Warn("skipping malformed ice server entry", "index", i, "err", err)
			continue
		}
		out = append(out, server)
	}
	return out, nil
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 || server.URLs[0] == "" {
		return fmt.Errorf("missing url")
	}
	url := strings.ToLower(server.URLs[0])
	switch {
	case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		return nil
	case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
		if strings.TrimSpace(server.Username) == "" {
			return fmt.Errorf("turn url requires username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return fmt.Errorf("turn url requires credential")
		}
		return nil
	default:
		return fmt.Errorf("unsupported url scheme %q", server.URLs[0])
	}
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
