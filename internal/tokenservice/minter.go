// Package tokenservice implements the TURN credential side of the session
// token service: coturn-compatible time-limited credentials and the HTTP
// endpoint that hands them out per account. Production deployments run a
// managed equivalent; this one backs local development and integration tests.
package tokenservice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Minter produces TURN REST credentials per the coturn scheme:
//
//	username   = <unix_expiry>:<realm>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is the UTC server clock plus the configured lifetime.
type Minter struct {
	sharedSecret []byte
	ttl          time.Duration
	realm        string
	now          func() time.Time
	newSessionID func() string
}

type MinterConfig struct {
	// SharedSecret must match the TURN server's static-auth-secret.
	SharedSecret string
	// TTL bounds how long minted credentials remain valid.
	TTL   time.Duration
	Realm string

	// Now and NewSessionID exist for deterministic tests.
	Now          func() time.Time
	NewSessionID func() string
}

func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.Realm == "" {
		return nil, errors.New("realm is required")
	}
	if strings.Contains(cfg.Realm, ":") {
		return nil, errors.New("realm must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = uuid.NewString
	}
	return &Minter{
		sharedSecret: []byte(cfg.SharedSecret),
		ttl:          cfg.TTL,
		realm:        cfg.Realm,
		now:          cfg.Now,
		newSessionID: cfg.NewSessionID,
	}, nil
}

// Credentials is one minted TURN login.
type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Mint issues credentials bound to sessionID. An empty sessionID gets a
// generated one.
func (m *Minter) Mint(sessionID string) (Credentials, error) {
	if sessionID == "" {
		sessionID = m.newSessionID()
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("session id must not contain ':'")
	}
	expiry := m.now().UTC().Unix() + int64(m.ttl/time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiry, m.realm, sessionID)
	mac := hmac.New(sha1.New, m.sharedSecret)
	mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}
