// Package signal defines the envelope exchanged between the parent and kid
// devices over the relayed signaling channel, and its JSON wire form.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind identifies what an envelope carries.
type Kind int

const (
	KindOffer Kind = iota
	KindAnswer
	KindIceCandidate
	KindControlCommand
	KindControlConfirmation
)

// Wire values for Kind. ControlCommand envelopes are routed under their
// command name instead of a fixed type string.
const (
	wireOffer        = "OFFER"
	wireAnswer       = "ANSWER"
	wireIceCandidate = "ICE_CANDIDATE"
	wireConfirmation = "CONTROL_CONFIRMATION"
)

func (k Kind) String() string {
	switch k {
	case KindOffer:
		return wireOffer
	case KindAnswer:
		return wireAnswer
	case KindIceCandidate:
		return wireIceCandidate
	case KindControlCommand:
		return "CONTROL_COMMAND"
	case KindControlConfirmation:
		return wireConfirmation
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Role identifies which end of the session produced an envelope.
type Role string

const (
	RoleParent Role = "parent" // controller: watches, answers offers
	RoleKid    Role = "kid"    // controlled: is watched, originates offers
)

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleParent {
		return RoleKid
	}
	return RoleParent
}

// Status reports the outcome of a control command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// MaxEncodedBytes is the advisory size cap for an encoded envelope. Larger
// envelopes are still sent best-effort; the channel logs them.
const MaxEncodedBytes = 65000

// CandidateData is the lossless wire form of one ICE candidate.
type CandidateData struct {
	SDP           string `json:"sdp"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

// ToInit converts to pion's candidate representation.
func (c CandidateData) ToInit() webrtc.ICECandidateInit {
	idx := uint16(c.SDPMLineIndex)
	mid := c.SDPMid
	return webrtc.ICECandidateInit{
		Candidate:     c.SDP,
		SDPMLineIndex: &idx,
		SDPMid:        &mid,
	}
}

// CandidateFromInit converts from pion's candidate representation.
func CandidateFromInit(init webrtc.ICECandidateInit) CandidateData {
	out := CandidateData{SDP: init.Candidate}
	if init.SDPMLineIndex != nil {
		out.SDPMLineIndex = int(*init.SDPMLineIndex)
	}
	if init.SDPMid != nil {
		out.SDPMid = *init.SDPMid
	}
	return out
}

// Envelope is the unit exchanged over the signaling channel.
//
// Exactly one of SDP, Candidate and Command is populated, consistent with
// Kind. Sender is the producing role; inbound envelopes whose Sender equals
// the local role are relay echoes and must be dropped.
type Envelope struct {
	Kind      Kind
	SDP       string
	Candidate *CandidateData
	Command   string
	Status    Status
	Details   string
	Timestamp int64
	Sender    Role
}

// Event returns the routing event name for the envelope: the kind's wire
// string, except control commands route under their command name.
func (e Envelope) Event() string {
	if e.Kind == KindControlCommand {
		return e.Command
	}
	return e.Kind.String()
}

var (
	errNoPayload       = errors.New("envelope has no payload")
	errMultiplePayload = errors.New("envelope has more than one payload")
)

// Validate checks the one-of payload invariant against Kind.
func (e Envelope) Validate() error {
	populated := 0
	if e.SDP != "" {
		populated++
	}
	if e.Candidate != nil {
		populated++
	}
	if e.Command != "" {
		populated++
	}
	if populated == 0 {
		return errNoPayload
	}
	if populated > 1 {
		return errMultiplePayload
	}
	switch e.Kind {
	case KindOffer, KindAnswer:
		if e.SDP == "" {
			return fmt.Errorf("%s envelope requires sdp", e.Kind)
		}
	case KindIceCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("%s envelope requires candidate", e.Kind)
		}
	case KindControlCommand, KindControlConfirmation:
		if e.Command == "" {
			return fmt.Errorf("%s envelope requires command", e.Kind)
		}
	}
	return nil
}

type wireEnvelope struct {
	Type      string         `json:"type"`
	SDP       string         `json:"sdp,omitempty"`
	Candidate *CandidateData `json:"candidate,omitempty"`
	Command   string         `json:"command,omitempty"`
	Status    string         `json:"status,omitempty"`
	Details   string         `json:"details,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Sender    string         `json:"sender,omitempty"`
}

// Encode marshals the envelope to its JSON wire form.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	w := wireEnvelope{
		Type:      e.Event(),
		SDP:       e.SDP,
		Candidate: e.Candidate,
		Status:    string(e.Status),
		Details:   e.Details,
		Timestamp: e.Timestamp,
		Sender:    string(e.Sender),
	}
	// Confirmations keep the command in its own field since their type is
	// fixed; commands already carry the name as the type.
	if e.Kind == KindControlConfirmation || e.Kind == KindControlCommand {
		w.Command = e.Command
	}
	return json.Marshal(w)
}

// Decode unmarshals an envelope from its JSON wire form. An unrecognized
// type string is treated as a control command routed under that name.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, err
	}
	e := Envelope{
		SDP:       w.SDP,
		Candidate: w.Candidate,
		Command:   w.Command,
		Status:    Status(w.Status),
		Details:   w.Details,
		Timestamp: w.Timestamp,
		Sender:    Role(w.Sender),
	}
	switch w.Type {
	case wireOffer:
		e.Kind = KindOffer
	case wireAnswer:
		e.Kind = KindAnswer
	case wireIceCandidate:
		e.Kind = KindIceCandidate
	case wireConfirmation:
		e.Kind = KindControlConfirmation
	case "":
		return Envelope{}, errors.New("envelope missing type")
	default:
		e.Kind = KindControlCommand
		if e.Command == "" {
			e.Command = w.Type
		}
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
