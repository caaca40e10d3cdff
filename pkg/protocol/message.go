package protocol

import (
	"bytes"

	"github.com/luxfi/rounds/pkg/encoding"
)

// EchoBroadcast is a message part sent verbatim to every destination whose
// consistency is checked by an echo round. An empty payload means no part.
type EchoBroadcast struct {
	Payload []byte `json:"payload,omitempty" cbor:"1,keyasint,omitempty"`
}

// NormalBroadcast is sent verbatim to every destination without the echo
// check.
type NormalBroadcast struct {
	Payload []byte `json:"payload,omitempty" cbor:"1,keyasint,omitempty"`
}

// DirectMessage is addressed to a single destination.
type DirectMessage struct {
	Payload []byte `json:"payload,omitempty" cbor:"1,keyasint,omitempty"`
}

// ProtocolMessage bundles the parts one sender sent one destination in one
// round.
type ProtocolMessage struct {
	Echo   EchoBroadcast   `json:"echo" cbor:"1,keyasint"`
	Normal NormalBroadcast `json:"normal" cbor:"2,keyasint"`
	Direct DirectMessage   `json:"direct" cbor:"3,keyasint"`
}

func NewEchoBroadcast(format encoding.Format, v any) (EchoBroadcast, error) {
	data, err := marshalPart(format, v)
	return EchoBroadcast{Payload: data}, err
}

func NewNormalBroadcast(format encoding.Format, v any) (NormalBroadcast, error) {
	data, err := marshalPart(format, v)
	return NormalBroadcast{Payload: data}, err
}

func NewDirectMessage(format encoding.Format, v any) (DirectMessage, error) {
	data, err := marshalPart(format, v)
	return DirectMessage{Payload: data}, err
}

func marshalPart(format encoding.Format, v any) ([]byte, error) {
	data, err := format.Marshal(v)
	if err != nil {
		return nil, NewLocalError("failed to serialize message part: %w", err)
	}
	return data, nil
}

func (m EchoBroadcast) IsNone() bool   { return len(m.Payload) == 0 }
func (m NormalBroadcast) IsNone() bool { return len(m.Payload) == 0 }
func (m DirectMessage) IsNone() bool   { return len(m.Payload) == 0 }

func (m EchoBroadcast) Equal(other EchoBroadcast) bool {
	return bytes.Equal(m.Payload, other.Payload)
}

// Deserialize decodes the part into out. The error is a *ReceiveError
// blaming the sender, suitable for returning from Round.ReceiveMessage.
func (m EchoBroadcast) Deserialize(format encoding.Format, out any) error {
	if err := unmarshalPart(format, m.Payload, out); err != nil {
		return InvalidEchoBroadcast(err)
	}
	return nil
}

func (m NormalBroadcast) Deserialize(format encoding.Format, out any) error {
	if err := unmarshalPart(format, m.Payload, out); err != nil {
		return InvalidNormalBroadcast(err)
	}
	return nil
}

func (m DirectMessage) Deserialize(format encoding.Format, out any) error {
	if err := unmarshalPart(format, m.Payload, out); err != nil {
		return InvalidDirectMessage(err)
	}
	return nil
}

func unmarshalPart(format encoding.Format, data []byte, out any) error {
	if len(data) == 0 {
		return ErrMissingPart
	}
	return format.Unmarshal(data, out)
}

// AssertIsNone fails with a *ReceiveError if the sender attached a part the
// round does not expect.
func (m EchoBroadcast) AssertIsNone() error {
	if !m.IsNone() {
		return InvalidEchoBroadcast(ErrUnexpectedPart)
	}
	return nil
}

func (m NormalBroadcast) AssertIsNone() error {
	if !m.IsNone() {
		return InvalidNormalBroadcast(ErrUnexpectedPart)
	}
	return nil
}

func (m DirectMessage) AssertIsNone() error {
	if !m.IsNone() {
		return InvalidDirectMessage(ErrUnexpectedPart)
	}
	return nil
}

// NoMessage marks a part a round never sends, for use with
// VerifyPartIsInvalid.
type NoMessage struct{}

// VerifyPartIsInvalid is the generic static check behind
// Protocol.Verify*IsInvalid. It returns nil when payload indeed could not have
// been produced by an honest round expecting T, and an ErrInvalidEvidence
// error otherwise.
func VerifyPartIsInvalid[T any](format encoding.Format, payload []byte) error {
	var zero T
	if _, ok := any(zero).(NoMessage); ok {
		if len(payload) > 0 {
			return nil
		}
		return InvalidEvidence("the part is empty as expected")
	}
	if len(payload) == 0 {
		return nil
	}
	var out T
	if err := format.Unmarshal(payload, &out); err != nil {
		return nil
	}
	return InvalidEvidence("the part deserializes correctly")
}
