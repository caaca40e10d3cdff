package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/signing"
)

var (
	ErrMetadataMismatch = errors.New("session: message parts carry different metadata")
	ErrWrongPartKind    = errors.New("session: message part has the wrong kind")
)

// PartKind is mixed into the signed digest so a part cannot be replayed as a
// part of another kind.
type PartKind uint8

const (
	PartEcho PartKind = iota + 1
	PartNormal
	PartDirect
)

func (k PartKind) String() string {
	switch k {
	case PartEcho:
		return "echo"
	case PartNormal:
		return "normal"
	case PartDirect:
		return "direct"
	default:
		return fmt.Sprintf("PartKind(%d)", uint8(k))
	}
}

// Metadata is signed together with every part. To is set on direct parts
// only.
type Metadata struct {
	SessionID SessionID        `json:"session_id" cbor:"1,keyasint"`
	Round     protocol.RoundID `json:"round" cbor:"2,keyasint"`
	To        protocol.PartyID `json:"to,omitempty" cbor:"3,keyasint,omitempty"`
}

func (m Metadata) sameContext(other Metadata) bool {
	return m.SessionID.Equal(other.SessionID) && m.Round == other.Round
}

// SignedPart is one message part with its own signature, so it can be
// forwarded in an echo round or attached to evidence on its own.
type SignedPart struct {
	Kind      PartKind `json:"kind" cbor:"1,keyasint"`
	Metadata  Metadata `json:"metadata" cbor:"2,keyasint"`
	Payload   []byte   `json:"payload,omitempty" cbor:"3,keyasint,omitempty"`
	Signature []byte   `json:"signature" cbor:"4,keyasint"`
}

type signedContent struct {
	Kind     PartKind `cbor:"1,keyasint"`
	Metadata Metadata `cbor:"2,keyasint"`
}

func partDigest(params signing.Parameters, kind PartKind, meta Metadata, payload []byte) ([]byte, error) {
	header, err := params.Format.Marshal(signedContent{Kind: kind, Metadata: meta})
	if err != nil {
		return nil, err
	}
	return params.Hasher.Sum([]byte("SignedPart"), header, payload), nil
}

func signPart(params signing.Parameters, kind PartKind, meta Metadata, payload []byte) (SignedPart, error) {
	digest, err := partDigest(params, kind, meta, payload)
	if err != nil {
		return SignedPart{}, protocol.NewLocalError("failed to serialize part metadata: %w", err)
	}
	sig, err := params.Signer.Sign(digest)
	if err != nil {
		return SignedPart{}, protocol.NewLocalError("failed to sign %s part: %w", kind, err)
	}
	return SignedPart{Kind: kind, Metadata: meta, Payload: payload, Signature: sig}, nil
}

// Verify checks the part was signed by from.
func (p SignedPart) Verify(params signing.Parameters, from protocol.PartyID) error {
	digest, err := partDigest(params, p.Kind, p.Metadata, p.Payload)
	if err != nil {
		return err
	}
	return params.Verifier.Verify(from, digest, p.Signature)
}

func (p SignedPart) IsNone() bool {
	return len(p.Payload) == 0
}

func (p SignedPart) sameContent(other SignedPart) bool {
	return p.Kind == other.Kind && p.Metadata.sameContext(other.Metadata) &&
		p.Metadata.To == other.Metadata.To && bytes.Equal(p.Payload, other.Payload)
}

// Message is the signed wire form of one sender's ProtocolMessage to one
// destination.
type Message struct {
	From   protocol.PartyID `json:"from" cbor:"1,keyasint"`
	To     protocol.PartyID `json:"to" cbor:"2,keyasint"`
	Echo   SignedPart       `json:"echo" cbor:"3,keyasint"`
	Normal SignedPart       `json:"normal" cbor:"4,keyasint"`
	Direct SignedPart       `json:"direct" cbor:"5,keyasint"`
}

func (m *Message) SessionID() SessionID {
	return m.Direct.Metadata.SessionID
}

func (m *Message) Round() protocol.RoundID {
	return m.Direct.Metadata.Round
}

func (m *Message) ProtocolMessage() protocol.ProtocolMessage {
	return protocol.ProtocolMessage{
		Echo:   protocol.EchoBroadcast{Payload: m.Echo.Payload},
		Normal: protocol.NormalBroadcast{Payload: m.Normal.Payload},
		Direct: protocol.DirectMessage{Payload: m.Direct.Payload},
	}
}

// SameContent reports whether two messages carry the same payloads for the
// same context, regardless of signature bytes.
func (m *Message) SameContent(other *Message) bool {
	return m.From == other.From && m.To == other.To &&
		m.Echo.sameContent(other.Echo) &&
		m.Normal.sameContent(other.Normal) &&
		m.Direct.sameContent(other.Direct)
}

func (m *Message) bundle() PartBundle {
	echo, normal, direct := m.Echo, m.Normal, m.Direct
	return PartBundle{Echo: &echo, Normal: &normal, Direct: &direct}
}

// Encode serializes the message with the session's format.
func (m *Message) Encode(params signing.Parameters) ([]byte, error) {
	return params.Format.Marshal(m)
}

// DecodeMessage parses a wire message. It does not verify it.
func DecodeMessage(params signing.Parameters, data []byte) (*Message, error) {
	var m Message
	if err := params.Format.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("session: failed to decode message: %w", err)
	}
	return &m, nil
}

func newMessage(params signing.Parameters, to protocol.PartyID, echo, normal SignedPart, direct protocol.DirectMessage) (*Message, error) {
	meta := echo.Metadata
	meta.To = to
	signedDirect, err := signPart(params, PartDirect, meta, direct.Payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		From:   params.Signer.ID(),
		To:     to,
		Echo:   echo,
		Normal: normal,
		Direct: signedDirect,
	}, nil
}

// VerifiedMessage is a message whose signatures and metadata have been
// checked.
type VerifiedMessage struct {
	msg *Message
}

func (v *VerifiedMessage) Message() *Message {
	return v.msg
}

// VerifyMessage checks all signatures and that the parts agree on their
// metadata. It touches no session state and is safe to call from worker
// goroutines. If it returns ErrMetadataMismatch the signatures were valid.
func VerifyMessage(params signing.Parameters, msg *Message) (*VerifiedMessage, error) {
	switch {
	case msg.Echo.Kind != PartEcho, msg.Normal.Kind != PartNormal, msg.Direct.Kind != PartDirect:
		return nil, ErrWrongPartKind
	}
	for _, part := range []SignedPart{msg.Echo, msg.Normal, msg.Direct} {
		if err := part.Verify(params, msg.From); err != nil {
			return nil, fmt.Errorf("session: %s part: %w", part.Kind, err)
		}
	}

	meta := msg.Direct.Metadata
	if !meta.sameContext(msg.Echo.Metadata) || !meta.sameContext(msg.Normal.Metadata) ||
		msg.Echo.Metadata.To != "" || msg.Normal.Metadata.To != "" || meta.To != msg.To {
		return nil, ErrMetadataMismatch
	}
	return &VerifiedMessage{msg: msg}, nil
}

// NewMessage signs a message outside of a running session, for drivers and
// test harnesses that need to rewrite what a party sends.
func NewMessage(params signing.Parameters, sid SessionID, round protocol.RoundID, to protocol.PartyID, pm protocol.ProtocolMessage) (*Message, error) {
	if err := params.Validate(true); err != nil {
		return nil, err
	}
	meta := Metadata{SessionID: sid, Round: round}
	echo, err := signPart(params, PartEcho, meta, pm.Echo.Payload)
	if err != nil {
		return nil, err
	}
	normal, err := signPart(params, PartNormal, meta, pm.Normal.Payload)
	if err != nil {
		return nil, err
	}
	return newMessage(params, to, echo, normal, pm.Direct)
}
