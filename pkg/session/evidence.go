package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/signing"
)

var ErrEvidenceNotProven = errors.New("session: evidence does not prove misbehavior")

type EvidenceKind string

const (
	// KindProtocol is a protocol-specific ProtocolError.
	KindProtocol               EvidenceKind = "protocol"
	KindInvalidDirectMessage   EvidenceKind = "invalid_direct_message"
	KindInvalidEchoBroadcast   EvidenceKind = "invalid_echo_broadcast"
	KindInvalidNormalBroadcast EvidenceKind = "invalid_normal_broadcast"
	// KindInvalidEchoPack means the accused forwarded a malformed echo pack
	// or an echo that its original sender never signed.
	KindInvalidEchoPack EvidenceKind = "invalid_echo_pack"
	// KindMismatchedBroadcasts means the accused sent different echo
	// broadcasts to different parties in the same round.
	KindMismatchedBroadcasts EvidenceKind = "mismatched_broadcasts"
	// KindEquivocation means the accused sent us two different messages for
	// the same round.
	KindEquivocation EvidenceKind = "equivocation"
)

// PartBundle holds some of the signed parts of one message.
type PartBundle struct {
	Echo   *SignedPart `json:"echo,omitempty" cbor:"1,keyasint,omitempty"`
	Normal *SignedPart `json:"normal,omitempty" cbor:"2,keyasint,omitempty"`
	Direct *SignedPart `json:"direct,omitempty" cbor:"3,keyasint,omitempty"`
}

func (b PartBundle) parts() []*SignedPart {
	out := make([]*SignedPart, 0, 3)
	for _, p := range []*SignedPart{b.Echo, b.Normal, b.Direct} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (b PartBundle) selected(req protocol.RequiredParts) PartBundle {
	var out PartBundle
	if req.Echo {
		out.Echo = b.Echo
	}
	if req.Normal {
		out.Normal = b.Normal
	}
	if req.Direct {
		out.Direct = b.Direct
	}
	return out
}

func (b PartBundle) protocolMessage() protocol.ProtocolMessage {
	var msg protocol.ProtocolMessage
	if b.Echo != nil {
		msg.Echo.Payload = b.Echo.Payload
	}
	if b.Normal != nil {
		msg.Normal.Payload = b.Normal.Payload
	}
	if b.Direct != nil {
		msg.Direct.Payload = b.Direct.Payload
	}
	return msg
}

func (b PartBundle) has(req protocol.RequiredParts) bool {
	return (!req.Echo || b.Echo != nil) && (!req.Normal || b.Normal != nil) && (!req.Direct || b.Direct != nil)
}

// RoundParts is a PartBundle tagged with its round.
type RoundParts struct {
	Round protocol.RoundID `json:"round" cbor:"1,keyasint"`
	Parts PartBundle       `json:"parts" cbor:"2,keyasint"`
}

// Evidence is a self-contained proof that Guilty broke the protocol in
// Round. Which fields are set depends on Kind.
type Evidence struct {
	Guilty      protocol.PartyID `json:"guilty" cbor:"1,keyasint"`
	Round       protocol.RoundID `json:"round" cbor:"2,keyasint"`
	Kind        EvidenceKind     `json:"kind" cbor:"3,keyasint"`
	Description string           `json:"description" cbor:"4,keyasint"`

	// Parts are the accused's offending parts.
	Parts PartBundle `json:"parts" cbor:"5,keyasint"`
	// Conflicting is the second, different copy for mismatch and
	// equivocation evidence.
	Conflicting PartBundle `json:"conflicting,omitempty" cbor:"6,keyasint,omitempty"`
	// Previous are the accused's parts from earlier rounds a ProtocolError
	// asked for.
	Previous []RoundParts `json:"previous,omitempty" cbor:"7,keyasint,omitempty"`
	// CombinedEchos are the accused's echo packs for earlier rounds, keyed by
	// the echo round id.
	CombinedEchos []RoundParts `json:"combined_echos,omitempty" cbor:"8,keyasint,omitempty"`
	// ProtocolError is the encoded protocol.ProtocolError.
	ProtocolError []byte `json:"protocol_error,omitempty" cbor:"9,keyasint,omitempty"`
	// EchoSender is whose entry in the accused's echo pack is invalid. Empty
	// when the pack itself is malformed.
	EchoSender protocol.PartyID `json:"echo_sender,omitempty" cbor:"10,keyasint,omitempty"`
}

func (e *Evidence) String() string {
	return fmt.Sprintf("%s by %s in %s: %s", e.Kind, e.Guilty.Short(), e.Round, e.Description)
}

// Encode serializes the evidence for storage or transfer to an auditor.
func (e *Evidence) Encode(params signing.Parameters) ([]byte, error) {
	return params.Format.Marshal(e)
}

func DecodeEvidence(params signing.Parameters, data []byte) (*Evidence, error) {
	var e Evidence
	if err := params.Format.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("session: failed to decode evidence: %w", err)
	}
	return &e, nil
}

// EvidenceError explains why evidence was rejected.
type EvidenceError struct {
	Kind   EvidenceKind
	Reason string
	Err    error
}

func (e *EvidenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s evidence rejected: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s evidence rejected: %s", e.Kind, e.Reason)
}

func (e *EvidenceError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrEvidenceNotProven, e.Err}
	}
	return []error{ErrEvidenceNotProven}
}

func (e *Evidence) reject(reason string, err error) error {
	return &EvidenceError{Kind: e.Kind, Reason: reason, Err: err}
}

// Verify checks the evidence using only its own signed content and public
// parameters. It returns nil if misbehavior is proven. params needs no
// signer; associatedData is whatever the protocol bound its run to, nil if
// nothing.
func (e *Evidence) Verify(proto protocol.Protocol, params signing.Parameters, associatedData []byte) error {
	if err := params.Validate(false); err != nil {
		return err
	}
	switch e.Kind {
	case KindInvalidDirectMessage:
		return e.verifyInvalidPart(params, e.Parts.Direct, PartDirect, func(p []byte) error {
			return proto.VerifyDirectMessageIsInvalid(params.Format, e.Round, protocol.DirectMessage{Payload: p})
		})
	case KindInvalidEchoBroadcast:
		return e.verifyInvalidPart(params, e.Parts.Echo, PartEcho, func(p []byte) error {
			return proto.VerifyEchoBroadcastIsInvalid(params.Format, e.Round, protocol.EchoBroadcast{Payload: p})
		})
	case KindInvalidNormalBroadcast:
		return e.verifyInvalidPart(params, e.Parts.Normal, PartNormal, func(p []byte) error {
			return proto.VerifyNormalBroadcastIsInvalid(params.Format, e.Round, protocol.NormalBroadcast{Payload: p})
		})
	case KindInvalidEchoPack:
		return e.verifyInvalidEchoPack(params)
	case KindMismatchedBroadcasts:
		return e.verifyMismatchedBroadcasts(params)
	case KindEquivocation:
		return e.verifyEquivocation(params)
	case KindProtocol:
		return e.verifyProtocol(proto, params, associatedData)
	default:
		return e.reject("unknown evidence kind", nil)
	}
}

// verifySigned checks that part exists, has the expected kind and round, and
// was signed by the accused.
func (e *Evidence) verifySigned(params signing.Parameters, part *SignedPart, kind PartKind, round protocol.RoundID) error {
	if part == nil {
		return e.reject(fmt.Sprintf("%s part is missing", kind), nil)
	}
	if part.Kind != kind {
		return e.reject(fmt.Sprintf("expected a %s part, got %s", kind, part.Kind), nil)
	}
	if part.Metadata.Round != round {
		return e.reject(fmt.Sprintf("%s part is for %s, not %s", kind, part.Metadata.Round, round), nil)
	}
	if err := part.Verify(params, e.Guilty); err != nil {
		return e.reject(fmt.Sprintf("%s part is not signed by the accused", kind), err)
	}
	return nil
}

func (e *Evidence) verifyInvalidPart(params signing.Parameters, part *SignedPart, kind PartKind, check func([]byte) error) error {
	if err := e.verifySigned(params, part, kind, e.Round); err != nil {
		return err
	}
	// Echo rounds are run by the engine and never send echo broadcasts or
	// direct messages.
	if e.Round.IsEcho() && kind != PartNormal {
		if part.IsNone() {
			return e.reject("the part is empty", nil)
		}
		return nil
	}
	if e.Round.IsEcho() {
		return e.reject("echo packs are checked as invalid_echo_pack", nil)
	}
	if err := check(part.Payload); err != nil {
		return e.reject("the part is valid", err)
	}
	return nil
}

func (e *Evidence) verifyInvalidEchoPack(params signing.Parameters) error {
	if !e.Round.IsEcho() {
		return e.reject("echo packs only exist in echo rounds", nil)
	}
	if err := e.verifySigned(params, e.Parts.Normal, PartNormal, e.Round); err != nil {
		return err
	}
	pack, err := decodeEchoPack(params, e.Guilty, e.Parts.Normal.Payload)
	if e.EchoSender == "" {
		if err != nil {
			return nil
		}
		return e.reject("the echo pack is well formed", nil)
	}
	if err != nil {
		return e.reject("the echo pack is malformed but a sender was named", err)
	}
	entry, ok := pack.find(e.EchoSender)
	if !ok {
		return e.reject(fmt.Sprintf("no entry for %s in the echo pack", e.EchoSender.Short()), nil)
	}
	if err := checkEchoEntry(params, entry, e.Parts.Normal.Metadata.SessionID, e.Round.NonEcho()); err != nil {
		return nil
	}
	return e.reject("the echoed broadcast is valid", nil)
}

func (e *Evidence) verifyMismatchedBroadcasts(params signing.Parameters) error {
	if e.Round.IsEcho() {
		return e.reject("echo broadcasts are not sent in echo rounds", nil)
	}
	if err := e.verifySigned(params, e.Parts.Echo, PartEcho, e.Round); err != nil {
		return err
	}
	if err := e.verifySigned(params, e.Conflicting.Echo, PartEcho, e.Round); err != nil {
		return err
	}
	a, b := e.Parts.Echo, e.Conflicting.Echo
	if !a.Metadata.SessionID.Equal(b.Metadata.SessionID) {
		return e.reject("the broadcasts belong to different sessions", nil)
	}
	if bytes.Equal(a.Payload, b.Payload) {
		return e.reject("the broadcasts are identical", nil)
	}
	return nil
}

func (e *Evidence) verifyEquivocation(params signing.Parameters) error {
	first, second := e.Parts, e.Conflicting
	kinds := []PartKind{PartEcho, PartNormal, PartDirect}
	for i, pair := range [][2]*SignedPart{{first.Echo, second.Echo}, {first.Normal, second.Normal}, {first.Direct, second.Direct}} {
		for _, part := range pair {
			if err := e.verifySigned(params, part, kinds[i], e.Round); err != nil {
				return err
			}
		}
	}
	sid := first.Direct.Metadata.SessionID
	for _, part := range append(first.parts(), second.parts()...) {
		if !part.Metadata.SessionID.Equal(sid) {
			return e.reject("the messages belong to different sessions", nil)
		}
	}
	if first.Direct.Metadata.To != second.Direct.Metadata.To {
		return e.reject("the messages were addressed to different parties", nil)
	}
	if first.Echo.sameContent(*second.Echo) && first.Normal.sameContent(*second.Normal) &&
		first.Direct.sameContent(*second.Direct) {
		return e.reject("the messages are identical", nil)
	}
	return nil
}

func (e *Evidence) verifyProtocol(proto protocol.Protocol, params signing.Parameters, associatedData []byte) error {
	if proto == nil {
		return e.reject("no protocol given", nil)
	}
	if e.Round.IsEcho() {
		return e.reject("protocol errors are not raised in echo rounds", nil)
	}
	perr, err := proto.DecodeProtocolError(params.Format, e.Round, e.ProtocolError)
	if err != nil {
		return e.reject("failed to decode the protocol error", err)
	}
	required := perr.RequiredMessages()

	if !e.Parts.has(required.ThisRound) {
		return e.reject("required parts of the offending message are missing", nil)
	}
	current := e.Parts.selected(required.ThisRound)
	var sid SessionID
	for _, part := range current.parts() {
		if err := e.verifySigned(params, part, part.Kind, e.Round); err != nil {
			return err
		}
		if sid == nil {
			sid = part.Metadata.SessionID
		} else if !sid.Equal(part.Metadata.SessionID) {
			return e.reject("the parts belong to different sessions", nil)
		}
	}

	previous := make(map[protocol.RoundID]protocol.ProtocolMessage, len(required.PreviousRounds))
	for _, rp := range e.Previous {
		req, ok := required.PreviousRounds[rp.Round]
		if !ok {
			continue
		}
		if !rp.Parts.has(req) {
			return e.reject(fmt.Sprintf("required parts for %s are missing", rp.Round), nil)
		}
		parts := rp.Parts.selected(req)
		for _, part := range parts.parts() {
			if err := e.verifySigned(params, part, part.Kind, rp.Round); err != nil {
				return err
			}
			if sid == nil {
				sid = part.Metadata.SessionID
			} else if !sid.Equal(part.Metadata.SessionID) {
				return e.reject("the parts belong to different sessions", nil)
			}
		}
		previous[rp.Round] = parts.protocolMessage()
	}
	for id := range required.PreviousRounds {
		if _, ok := previous[id]; !ok {
			return e.reject(fmt.Sprintf("messages for %s are missing", id), nil)
		}
	}

	combined := make(map[protocol.RoundID]map[protocol.PartyID]protocol.EchoBroadcast, len(required.CombinedEchos))
	for _, id := range required.CombinedEchos {
		var found *RoundParts
		for i := range e.CombinedEchos {
			if e.CombinedEchos[i].Round == id.EchoRound() {
				found = &e.CombinedEchos[i]
				break
			}
		}
		if found == nil {
			return e.reject(fmt.Sprintf("combined echos for %s are missing", id), nil)
		}
		if err := e.verifySigned(params, found.Parts.Normal, PartNormal, id.EchoRound()); err != nil {
			return err
		}
		if sid == nil {
			sid = found.Parts.Normal.Metadata.SessionID
		} else if !sid.Equal(found.Parts.Normal.Metadata.SessionID) {
			return e.reject("the parts belong to different sessions", nil)
		}
		pack, err := decodeEchoPack(params, e.Guilty, found.Parts.Normal.Payload)
		if err != nil {
			return e.reject(fmt.Sprintf("echo pack for %s is malformed", id), err)
		}
		echos := make(map[protocol.PartyID]protocol.EchoBroadcast, len(pack.Entries))
		for _, entry := range pack.Entries {
			if err := checkEchoEntry(params, entry, sid, id); err != nil {
				return e.reject(fmt.Sprintf("echo from %s for %s is invalid", entry.Sender.Short(), id), err)
			}
			echos[entry.Sender] = protocol.EchoBroadcast{Payload: entry.Part.Payload}
		}
		combined[id] = echos
	}

	if sid == nil {
		return e.reject("the evidence carries no signed parts", nil)
	}

	msgs := protocol.EvidenceMessages{
		Format:   params.Format,
		Round:    e.Round,
		Message:  current.protocolMessage(),
		Previous: previous,
		Combined: combined,
	}
	if err := perr.VerifyEvidence(e.Guilty, sid, associatedData, msgs); err != nil {
		return e.reject("the protocol error does not hold", err)
	}
	return nil
}
