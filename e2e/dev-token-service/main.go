// dev-token-service is a local stand-in for the hosted TURN token service:
// it mints coturn-compatible time-limited credentials and serves them on
// POST /<account-id>/ice, the endpoint the session core fetches its relay
// servers from. Point a coturn instance's static-auth-secret at the same
// shared secret to exercise real relaying locally.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/guardianlink/guardianlink/internal/tokenservice"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9031", "listen address")
	secret := flag.String("secret", "dev-secret", "TURN shared secret (coturn static-auth-secret)")
	ttl := flag.Duration("ttl", time.Hour, "credential lifetime")
	account := flag.String("account", "dev-account", "accepted account id")
	key := flag.String("key", "dev-key", "auth key for the account")
	stunURLs := flag.String("stun-urls", "stun:stun.l.google.com:19302", "comma-separated STUN URLs to return")
	turnURLs := flag.String("turn-urls", "turn:127.0.0.1:3478", "comma-separated TURN URLs to credential")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	minter, err := tokenservice.NewMinter(tokenservice.MinterConfig{
		SharedSecret: *secret,
		TTL:          *ttl,
		Realm:        "guardianlink",
	})
	if err != nil {
		slog.Error("invalid minter config", "err", err)
		os.Exit(1)
	}

	handler := tokenservice.NewHandler(tokenservice.HandlerConfig{
		Minter:   minter,
		Accounts: map[string]string{*account: *key},
		STUNURLs: splitList(*stunURLs),
		TURNURLs: splitList(*turnURLs),
	})

	slog.Info("dev token service listening", "addr", *addr, "account", *account)
	if err := http.ListenAndServe(*addr, handler); err != nil {
		slog.Error("listen failed", "err", err)
		os.Exit(1)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
