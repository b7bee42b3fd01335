package signal

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncode_OfferWireFormat(t *testing.T) {
	env := Envelope{
		Kind:      KindOffer,
		SDP:       "v=0...",
		Timestamp: 1700000000000,
		Sender:    RoleKid,
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["type"] != "OFFER" {
		t.Fatalf("type=%v, want OFFER", raw["type"])
	}
	if raw["sdp"] != "v=0..." {
		t.Fatalf("sdp=%v", raw["sdp"])
	}
	if raw["sender"] != "kid" {
		t.Fatalf("sender=%v, want kid", raw["sender"])
	}
	if _, ok := raw["candidate"]; ok {
		t.Fatalf("candidate must be omitted on offers")
	}
}

func TestEncode_CandidateFieldNames(t *testing.T) {
	env := Envelope{
		Kind:      KindIceCandidate,
		Candidate: &CandidateData{SDP: "candidate:1 1 udp ...", SDPMLineIndex: 1, SDPMid: "video"},
		Sender:    RoleParent,
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, want := range []string{`"sdpMLineIndex":1`, `"sdpMid":"video"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("encoded candidate missing %s: %s", want, data)
		}
	}

	back, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Kind != KindIceCandidate || back.Candidate == nil {
		t.Fatalf("decoded %+v", back)
	}
	if *back.Candidate != *env.Candidate {
		t.Fatalf("candidate round trip: got %+v want %+v", *back.Candidate, *env.Candidate)
	}
}

func TestCommandRoutesUnderItsOwnName(t *testing.T) {
	env := Envelope{Kind: KindControlCommand, Command: "START_MONITORING", Sender: RoleParent}
	if got := env.Event(); got != "START_MONITORING" {
		t.Fatalf("event=%q, want command name", got)
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["type"] != "START_MONITORING" {
		t.Fatalf("type=%v, want command name", raw["type"])
	}

	back, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Kind != KindControlCommand || back.Command != "START_MONITORING" {
		t.Fatalf("decoded %+v", back)
	}
}

func TestDecode_ConfirmationStatus(t *testing.T) {
	data := []byte(`{"type":"CONTROL_CONFIRMATION","command":"START_MONITORING","status":"failed","details":"camera busy","sender":"kid"}`)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != KindControlConfirmation {
		t.Fatalf("kind=%v", env.Kind)
	}
	if env.Status != StatusFailed || env.Details != "camera busy" {
		t.Fatalf("decoded %+v", env)
	}
	if env.Sender != RoleKid {
		t.Fatalf("sender=%v", env.Sender)
	}
}

func TestValidate_OneOfPayload(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"offer with sdp", Envelope{Kind: KindOffer, SDP: "v=0"}, true},
		{"offer without sdp", Envelope{Kind: KindOffer}, false},
		{"offer with sdp and candidate", Envelope{Kind: KindOffer, SDP: "v=0", Candidate: &CandidateData{SDP: "c"}}, false},
		{"candidate without candidate", Envelope{Kind: KindIceCandidate, SDP: "v=0"}, false},
		{"command", Envelope{Kind: KindControlCommand, Command: "X"}, true},
	}
	for _, tc := range cases {
		err := tc.env.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestRolePeer(t *testing.T) {
	if RoleParent.Peer() != RoleKid || RoleKid.Peer() != RoleParent {
		t.Fatal("role peers must be symmetric")
	}
}
