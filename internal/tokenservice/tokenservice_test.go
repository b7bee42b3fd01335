package tokenservice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func fixedMinter(t *testing.T) *Minter {
	t.Helper()
	m, err := NewMinter(MinterConfig{
		SharedSecret: "shared-secret",
		TTL:          time.Hour,
		Realm:        "guardianlink",
		Now:          func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
		NewSessionID: func() string { return "session123" },
	})
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	return m
}

func TestMintDeterministicWithFixedTime(t *testing.T) {
	creds, err := fixedMinter(t).Mint("session123")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if creds.ExpiryUnix != 1_700_003_600 {
		t.Fatalf("expiry=%d, want 1700003600", creds.ExpiryUnix)
	}
	wantUsername := "1700003600:guardianlink:session123"
	if creds.Username != wantUsername {
		t.Fatalf("username=%q, want %q", creds.Username, wantUsername)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	mac.Write([]byte(wantUsername))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("credential=%q, want %q", creds.Credential, want)
	}
}

func TestMintGeneratesSessionID(t *testing.T) {
	creds, err := fixedMinter(t).Mint("")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if creds.Username != "1700003600:guardianlink:session123" {
		t.Fatalf("username=%q", creds.Username)
	}
}

func TestMintRejectsColonInSessionID(t *testing.T) {
	if _, err := fixedMinter(t).Mint("a:b"); err == nil {
		t.Fatal("session id with ':' must be rejected")
	}
}

func TestNewMinterValidation(t *testing.T) {
	cases := []MinterConfig{
		{TTL: time.Hour, Realm: "r"},                            // no secret
		{SharedSecret: "s", Realm: "r"},                         // no ttl
		{SharedSecret: "s", TTL: time.Hour},                     // no realm
		{SharedSecret: "s", TTL: time.Hour, Realm: "has:colon"}, // bad realm
	}
	for i, cfg := range cases {
		if _, err := NewMinter(cfg); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	return NewHandler(HandlerConfig{
		Minter:   fixedMinter(t),
		Accounts: map[string]string{"acct-1": "key-1"},
		STUNURLs: []string{"stun:stun.example.com:3478"},
		TURNURLs: []string{"turn:relay.example.com:3478", "turns:relay.example.com:5349"},
	})
}

func TestHandlerIssuesCredentialedServers(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/acct-1/ice", nil)
	req.SetBasicAuth("acct-1", "key-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	var body iceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ICEServers) != 3 {
		t.Fatalf("servers=%d, want 3", len(body.ICEServers))
	}
	stun := body.ICEServers[0]
	if stun.URL != "stun:stun.example.com:3478" || stun.Username != "" || stun.Credential != "" {
		t.Fatalf("stun entry=%+v, must carry no credentials", stun)
	}
	for _, turn := range body.ICEServers[1:] {
		if turn.Username != "1700003600:guardianlink:session123" {
			t.Fatalf("turn username=%q", turn.Username)
		}
		if turn.Credential == "" {
			t.Fatalf("turn entry %q missing credential", turn.URL)
		}
	}
}

func TestHandlerRejectsBadAuth(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	cases := []struct {
		name string
		user string
		pass string
	}{
		{"wrong key", "acct-1", "wrong"},
		{"unknown account", "acct-2", "key-1"},
		{"mismatched path account", "acct-1", "key-1"},
	}
	for _, tc := range cases {
		path := "/acct-1/ice"
		if tc.name == "mismatched path account" {
			path = "/other/ice"
		}
		req, _ := http.NewRequest(http.MethodPost, ts.URL+path, nil)
		req.SetBasicAuth(tc.user, tc.pass)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: request: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status=%d, want 401", tc.name, resp.StatusCode)
		}
	}
}

func TestHandlerPathAndMethod(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/acct-1/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d, want 405", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/acct-1/tokens", nil)
	req.SetBasicAuth("acct-1", "key-1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("wrong path status=%d, want 404", resp.StatusCode)
	}
}
