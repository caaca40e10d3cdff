package protocol

import (
	"slices"

	"github.com/luxfi/rounds/pkg/encoding"
)

// ProtocolError is a provable violation of a protocol's rules. Each protocol
// declares its own closed set of these. The concrete type must be
// serializable with the session's format so it can travel inside evidence,
// and Protocol.DecodeProtocolError must be able to restore it.
type ProtocolError interface {
	error

	// RequiredMessages names the accused party's message parts that have to be
	// attached to the evidence.
	RequiredMessages() RequiredMessages

	// VerifyEvidence returns nil if the attached messages indeed prove the
	// violation. Signatures and metadata are checked by the caller. It must be
	// a pure function of its arguments.
	VerifyEvidence(from PartyID, sharedRandomness, associatedData []byte, messages EvidenceMessages) error
}

// RequiredParts selects parts of one round's message.
type RequiredParts struct {
	Echo   bool `json:"echo,omitempty" cbor:"1,keyasint,omitempty"`
	Normal bool `json:"normal,omitempty" cbor:"2,keyasint,omitempty"`
	Direct bool `json:"direct,omitempty" cbor:"3,keyasint,omitempty"`
}

func (p RequiredParts) IsEmpty() bool {
	return !p.Echo && !p.Normal && !p.Direct
}

var (
	EchoPart   = RequiredParts{Echo: true}
	NormalPart = RequiredParts{Normal: true}
	DirectPart = RequiredParts{Direct: true}
)

// RequiredMessages describes the evidence a ProtocolError needs.
type RequiredMessages struct {
	ThisRound      RequiredParts
	PreviousRounds map[RoundID]RequiredParts
	// CombinedEchos lists earlier rounds whose echo pack, as sent by the
	// accused, has to be attached.
	CombinedEchos []RoundID
}

func NewRequiredMessages(thisRound RequiredParts) RequiredMessages {
	return RequiredMessages{ThisRound: thisRound}
}

func (r RequiredMessages) WithPreviousRound(id RoundID, parts RequiredParts) RequiredMessages {
	prev := make(map[RoundID]RequiredParts, len(r.PreviousRounds)+1)
	for k, v := range r.PreviousRounds {
		prev[k] = v
	}
	prev[id] = parts
	r.PreviousRounds = prev
	return r
}

func (r RequiredMessages) WithCombinedEchos(ids ...RoundID) RequiredMessages {
	r.CombinedEchos = append(slices.Clone(r.CombinedEchos), ids...)
	return r
}

// PreviousRoundIDs returns the previous rounds in execution order.
func (r RequiredMessages) PreviousRoundIDs() []RoundID {
	ids := make([]RoundID, 0, len(r.PreviousRounds))
	for id := range r.PreviousRounds {
		ids = append(ids, id)
	}
	SortRoundIDs(ids)
	return ids
}

// EvidenceMessages are the verified message parts handed to
// ProtocolError.VerifyEvidence. Parts that were not required are empty.
type EvidenceMessages struct {
	Format   encoding.Format
	Round    RoundID
	Message  ProtocolMessage
	Previous map[RoundID]ProtocolMessage
	Combined map[RoundID]map[PartyID]EchoBroadcast
}

func (m EvidenceMessages) EchoBroadcast(out any) error {
	return decodeEvidencePart(m.Format, m.Message.Echo.Payload, "echo broadcast", m.Round, out)
}

func (m EvidenceMessages) NormalBroadcast(out any) error {
	return decodeEvidencePart(m.Format, m.Message.Normal.Payload, "normal broadcast", m.Round, out)
}

func (m EvidenceMessages) DirectMessage(out any) error {
	return decodeEvidencePart(m.Format, m.Message.Direct.Payload, "direct message", m.Round, out)
}

func (m EvidenceMessages) previous(num uint16) (ProtocolMessage, error) {
	msg, ok := m.Previous[NewRoundID(num)]
	if !ok {
		return ProtocolMessage{}, InvalidEvidence("messages for round %d not found", num)
	}
	return msg, nil
}

func (m EvidenceMessages) PreviousEchoBroadcast(num uint16, out any) error {
	msg, err := m.previous(num)
	if err != nil {
		return err
	}
	return decodeEvidencePart(m.Format, msg.Echo.Payload, "echo broadcast", NewRoundID(num), out)
}

func (m EvidenceMessages) PreviousNormalBroadcast(num uint16, out any) error {
	msg, err := m.previous(num)
	if err != nil {
		return err
	}
	return decodeEvidencePart(m.Format, msg.Normal.Payload, "normal broadcast", NewRoundID(num), out)
}

func (m EvidenceMessages) PreviousDirectMessage(num uint16, out any) error {
	msg, err := m.previous(num)
	if err != nil {
		return err
	}
	return decodeEvidencePart(m.Format, msg.Direct.Payload, "direct message", NewRoundID(num), out)
}

// CombinedEchos returns the echo broadcasts of round num as the accused
// reported receiving them, keyed by original sender.
func (m EvidenceMessages) CombinedEchos(num uint16) (map[PartyID]EchoBroadcast, error) {
	echos, ok := m.Combined[NewRoundID(num)]
	if !ok {
		return nil, InvalidEvidence("combined echos for round %d not found", num)
	}
	return echos, nil
}

func decodeEvidencePart(format encoding.Format, payload []byte, what string, round RoundID, out any) error {
	if len(payload) == 0 {
		return InvalidEvidence("%s for %s is missing", what, round)
	}
	if err := format.Unmarshal(payload, out); err != nil {
		return InvalidEvidence("failed to deserialize %s for %s: %v", what, round, err)
	}
	return nil
}
