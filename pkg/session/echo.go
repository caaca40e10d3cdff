package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/luxfi/rounds/pkg/encoding"
	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/signing"
)

var (
	errMalformedEchoPack = errors.New("session: malformed echo pack")
	errInvalidEcho       = errors.New("session: invalid echoed broadcast")
)

// echoEntry is one original sender's signed echo broadcast as the pack's
// author received it.
type echoEntry struct {
	Sender protocol.PartyID `json:"sender" cbor:"1,keyasint"`
	Part   SignedPart       `json:"part" cbor:"2,keyasint"`
}

// echoPack is the normal broadcast of an echo round. Entries are sorted by
// sender and never include the pack's author.
type echoPack struct {
	Entries []echoEntry `json:"entries" cbor:"1,keyasint"`
}

func (p echoPack) find(sender protocol.PartyID) (echoEntry, bool) {
	i, ok := slices.BinarySearchFunc(p.Entries, sender, func(e echoEntry, id protocol.PartyID) int {
		switch {
		case e.Sender < id:
			return -1
		case e.Sender > id:
			return 1
		}
		return 0
	})
	if !ok {
		return echoEntry{}, false
	}
	return p.Entries[i], true
}

func decodeEchoPack(params signing.Parameters, author protocol.PartyID, payload []byte) (echoPack, error) {
	var pack echoPack
	if len(payload) == 0 {
		return pack, fmt.Errorf("%w: empty", errMalformedEchoPack)
	}
	if err := params.Format.Unmarshal(payload, &pack); err != nil {
		return pack, fmt.Errorf("%w: %v", errMalformedEchoPack, err)
	}
	for i, entry := range pack.Entries {
		if entry.Sender == author {
			return pack, fmt.Errorf("%w: contains its author", errMalformedEchoPack)
		}
		if i > 0 && pack.Entries[i-1].Sender >= entry.Sender {
			return pack, fmt.Errorf("%w: entries not strictly sorted", errMalformedEchoPack)
		}
	}
	return pack, nil
}

// checkEchoEntry verifies that an echoed broadcast is a genuine, non-empty
// echo broadcast of its sender for the given round.
func checkEchoEntry(params signing.Parameters, entry echoEntry, sid SessionID, round protocol.RoundID) error {
	part := entry.Part
	switch {
	case part.Kind != PartEcho:
		return fmt.Errorf("%w: part kind %s", errInvalidEcho, part.Kind)
	case !part.Metadata.SessionID.Equal(sid):
		return fmt.Errorf("%w: wrong session", errInvalidEcho)
	case part.Metadata.Round != round:
		return fmt.Errorf("%w: wrong round %s", errInvalidEcho, part.Metadata.Round)
	case part.Metadata.To != "":
		return fmt.Errorf("%w: addressed part", errInvalidEcho)
	case part.IsNone():
		return fmt.Errorf("%w: empty", errInvalidEcho)
	}
	if err := part.Verify(params, entry.Sender); err != nil {
		return fmt.Errorf("%w: %v", errInvalidEcho, err)
	}
	return nil
}

// echoError carries the details of an echo round failure to the engine,
// which turns it into evidence.
type echoError struct {
	kind EvidenceKind
	// culprit is whose echo is invalid in the pack (invalid pack) or who
	// sent mismatched broadcasts.
	culprit  protocol.PartyID
	received SignedPart
	echoed   SignedPart
	err      error
}

func (e *echoError) Error() string {
	if e.culprit == "" {
		return fmt.Sprintf("%s: %v", e.kind, e.err)
	}
	return fmt.Sprintf("%s (%s): %v", e.kind, e.culprit.Short(), e.err)
}

func (e *echoError) Unwrap() error {
	return e.err
}

// echoRound is inserted by the engine after every round with echo
// broadcasts. Each party rebroadcasts the signed echo broadcasts it got; any
// two that differ for the same sender are proof of equivocation.
type echoRound struct {
	main     protocol.Round
	mainInfo protocol.TransitionInfo
	comm     protocol.CommunicationInfo

	params    signing.Parameters
	sessionID SessionID
	self      protocol.PartyID

	// received are the non-empty echo broadcasts of the main round.
	received map[protocol.PartyID]SignedPart

	mainExpecting protocol.IDSet

	mainPayloads  map[protocol.PartyID]protocol.Payload
	mainArtifacts map[protocol.PartyID]protocol.Artifact
}

func newEchoRound(
	params signing.Parameters,
	sessionID SessionID,
	main protocol.Round,
	mainComm protocol.CommunicationInfo,
	received map[protocol.PartyID]SignedPart,
	payloads map[protocol.PartyID]protocol.Payload,
	artifacts map[protocol.PartyID]protocol.Artifact,
) *echoRound {
	info := main.TransitionInfo()
	return &echoRound{
		main: main,
		mainInfo: protocol.TransitionInfo{
			ID:               info.ID.EchoRound(),
			Children:         info.Children,
			MayProduceResult: info.MayProduceResult,
		},
		comm:          protocol.NewCommunicationInfo(mainComm.EchoDestinations(), mainComm.EchoExpectingFrom()),
		params:        params,
		sessionID:     sessionID,
		self:          params.Signer.ID(),
		received:      received,
		mainExpecting: mainComm.ExpectingFrom,
		mainPayloads:  payloads,
		mainArtifacts: artifacts,
	}
}

func (r *echoRound) TransitionInfo() protocol.TransitionInfo {
	return r.mainInfo
}

func (r *echoRound) CommunicationInfo() protocol.CommunicationInfo {
	return r.comm
}

func (r *echoRound) MakeDirectMessage(io.Reader, encoding.Format, protocol.PartyID) (protocol.DirectMessage, *protocol.Artifact, error) {
	return protocol.DirectMessage{}, nil, nil
}

func (r *echoRound) MakeEchoBroadcast(io.Reader, encoding.Format) (protocol.EchoBroadcast, error) {
	return protocol.EchoBroadcast{}, nil
}

func (r *echoRound) MakeNormalBroadcast(_ io.Reader, format encoding.Format) (protocol.NormalBroadcast, error) {
	pack := echoPack{Entries: make([]echoEntry, 0, len(r.received))}
	for sender, part := range r.received {
		pack.Entries = append(pack.Entries, echoEntry{Sender: sender, Part: part})
	}
	slices.SortFunc(pack.Entries, func(a, b echoEntry) int {
		switch {
		case a.Sender < b.Sender:
			return -1
		case a.Sender > b.Sender:
			return 1
		}
		return 0
	})
	return protocol.NewNormalBroadcast(format, pack)
}

func (r *echoRound) ReceiveMessage(_ encoding.Format, from protocol.PartyID, msg protocol.ProtocolMessage) (protocol.Payload, error) {
	if err := msg.Echo.AssertIsNone(); err != nil {
		return protocol.Payload{}, err
	}
	if err := msg.Direct.AssertIsNone(); err != nil {
		return protocol.Payload{}, err
	}

	pack, err := decodeEchoPack(r.params, from, msg.Normal.Payload)
	if err != nil {
		return protocol.Payload{}, protocol.EchoFailure(&echoError{kind: KindInvalidEchoPack, err: err})
	}

	round := r.mainInfo.ID.NonEcho()
	for _, entry := range pack.Entries {
		if err := checkEchoEntry(r.params, entry, r.sessionID, round); err != nil {
			return protocol.Payload{}, protocol.EchoFailure(&echoError{
				kind:    KindInvalidEchoPack,
				culprit: entry.Sender,
				err:     err,
			})
		}
		if entry.Sender == r.self {
			continue
		}
		ours, ok := r.received[entry.Sender]
		if !ok {
			continue
		}
		if !bytes.Equal(ours.Payload, entry.Part.Payload) {
			return protocol.Payload{}, protocol.EchoFailure(&echoError{
				kind:     KindMismatchedBroadcasts,
				culprit:  entry.Sender,
				received: ours,
				echoed:   entry.Part,
				err:      fmt.Errorf("echo broadcast of %s differs from the one we received", entry.Sender.Short()),
			})
		}
	}
	return protocol.Payload{}, nil
}

// Finalize hands the main round's collected state back to it.
func (r *echoRound) Finalize(rng io.Reader, _ map[protocol.PartyID]protocol.Payload, _ map[protocol.PartyID]protocol.Artifact) (protocol.FinalizeOutcome, error) {
	return r.main.Finalize(rng, r.mainPayloads, r.mainArtifacts)
}

// exclude drops banned parties' main round contributions before finalizing.
func (r *echoRound) exclude(banned func(protocol.PartyID) bool) {
	for id := range r.mainPayloads {
		if banned(id) {
			delete(r.mainPayloads, id)
		}
	}
}

func (r *echoRound) mainSenders() []protocol.PartyID {
	out := make([]protocol.PartyID, 0, len(r.mainPayloads))
	for id := range r.mainPayloads {
		out = append(out, id)
	}
	return out
}
