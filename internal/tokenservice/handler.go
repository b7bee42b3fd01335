package tokenservice

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// HandlerConfig wires the ICE endpoint.
type HandlerConfig struct {
	Logger *slog.Logger
	Minter *Minter

	// Accounts maps account id to auth key. Requests authenticate with HTTP
	// Basic auth, account id as the username.
	Accounts map[string]string

	// STUNURLs are returned without credentials; TURNURLs carry the minted
	// login.
	STUNURLs []string
	TURNURLs []string
}

// Handler serves POST /<account-id>/ice, the shape session cores fetch their
// relay servers from.
type Handler struct {
	cfg HandlerConfig
	log *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cfg: cfg, log: log}
}

// iceServerEntry matches the response contract consumed by session cores:
// {"ice_servers":[{"url":..., "username":..., "credential":...}]}.
type iceServerEntry struct {
	URL        string `json:"url"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

type iceResponse struct {
	ICEServers []iceServerEntry `json:"ice_servers"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account, ok := accountFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !h.authorized(r, account) {
		w.Header().Set("WWW-Authenticate", `Basic realm="token service"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	creds, err := h.cfg.Minter.Mint("")
	if err != nil {
		h.log.Error("minting credentials", "account", account, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := iceResponse{ICEServers: []iceServerEntry{}}
	for _, url := range h.cfg.STUNURLs {
		resp.ICEServers = append(resp.ICEServers, iceServerEntry{URL: url})
	}
	for _, url := range h.cfg.TURNURLs {
		resp.ICEServers = append(resp.ICEServers, iceServerEntry{
			URL:        url,
			Username:   creds.Username,
			Credential: creds.Credential,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warn("writing ice response", "err", err)
	}
	h.log.Info("issued ice servers", "account", account, "expiry_unix", creds.ExpiryUnix)
}

// accountFromPath extracts the account id from /<account-id>/ice.
func accountFromPath(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[1] != "ice" || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

func (h *Handler) authorized(r *http.Request, account string) bool {
	user, pass, ok := r.BasicAuth()
	if !ok || user != account {
		return false
	}
	key, exists := h.cfg.Accounts[account]
	if !exists {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(key)) == 1
}
