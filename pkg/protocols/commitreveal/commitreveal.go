// Package commitreveal is a two round coin flip. Every party commits to a
// random value in an echo broadcast, then reveals it; the output is a hash of
// all revealed values. It exercises echo rounds, cross-round evidence and
// threshold quorums, and backs the roundsd demo.
package commitreveal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/samber/lo"

	"github.com/luxfi/rounds/pkg/encoding"
	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/signing"
)

const (
	Name       = "commit-reveal"
	nonceSize  = 32
	valueSize  = 32
	digestSize = 32
)

var (
	ErrNotAParty        = errors.New("commitreveal: this party is not in the party list")
	ErrBadThreshold     = errors.New("commitreveal: threshold out of range")
	errMalformedCommit  = errors.New("commitreveal: malformed commitment")
	errMalformedReveal  = errors.New("commitreveal: malformed reveal")
	errUnknownErrorType = errors.New("commitreveal: no protocol error in this round")
)

var (
	commitRound = protocol.NewRoundID(1)
	revealRound = protocol.NewRoundID(2)
)

// Commitment is the round 1 echo broadcast.
type Commitment struct {
	Digest []byte `json:"digest" cbor:"1,keyasint"`
}

// Reveal is the round 2 normal broadcast.
type Reveal struct {
	Nonce []byte `json:"nonce" cbor:"1,keyasint"`
	Value []byte `json:"value" cbor:"2,keyasint"`
}

// Output is the protocol result. Parties lists whose values went into it.
type Output struct {
	Value   []byte             `json:"value" cbor:"1,keyasint"`
	Parties []protocol.PartyID `json:"parties" cbor:"2,keyasint"`
}

func commit(sessionID []byte, party protocol.PartyID, r Reveal) []byte {
	return signing.BLAKE3.Sum([]byte("commit-reveal/commit"), sessionID, []byte(party), r.Nonce, r.Value)
}

func combine(sessionID []byte, reveals map[protocol.PartyID]Reveal) Output {
	parties := lo.Keys(reveals)
	slices.Sort(parties)
	parts := [][]byte{[]byte("commit-reveal/output"), sessionID}
	for _, id := range parties {
		parts = append(parts, []byte(id), reveals[id].Value)
	}
	return Output{Value: signing.BLAKE3.Sum(parts...), Parties: parties}
}

// RevealMismatch is raised when a reveal does not open the sender's
// commitment.
type RevealMismatch struct{}

func (RevealMismatch) Error() string {
	return "reveal does not match the commitment"
}

func (RevealMismatch) RequiredMessages() protocol.RequiredMessages {
	return protocol.NewRequiredMessages(protocol.NormalPart).
		WithPreviousRound(commitRound, protocol.EchoPart)
}

func (RevealMismatch) VerifyEvidence(from protocol.PartyID, sharedRandomness, _ []byte, msgs protocol.EvidenceMessages) error {
	var c Commitment
	if err := msgs.PreviousEchoBroadcast(commitRound.Num, &c); err != nil {
		return err
	}
	var r Reveal
	if err := msgs.NormalBroadcast(&r); err != nil {
		return err
	}
	if bytes.Equal(commit(sharedRandomness, from, r), c.Digest) {
		return protocol.InvalidEvidence("the reveal opens the commitment")
	}
	return nil
}

// Protocol verifies commit-reveal evidence.
type Protocol struct{}

func (Protocol) Name() string { return Name }

func (Protocol) DecodeProtocolError(format encoding.Format, round protocol.RoundID, data []byte) (protocol.ProtocolError, error) {
	if round != revealRound {
		return nil, fmt.Errorf("%w: %s", errUnknownErrorType, round)
	}
	var e RevealMismatch
	if err := format.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

func (Protocol) VerifyDirectMessageIsInvalid(format encoding.Format, _ protocol.RoundID, msg protocol.DirectMessage) error {
	return protocol.VerifyPartIsInvalid[protocol.NoMessage](format, msg.Payload)
}

func (Protocol) VerifyEchoBroadcastIsInvalid(format encoding.Format, round protocol.RoundID, msg protocol.EchoBroadcast) error {
	if round != commitRound {
		return protocol.VerifyPartIsInvalid[protocol.NoMessage](format, msg.Payload)
	}
	if err := protocol.VerifyPartIsInvalid[Commitment](format, msg.Payload); err == nil {
		return nil
	}
	var c Commitment
	if err := format.Unmarshal(msg.Payload, &c); err == nil && len(c.Digest) != digestSize {
		return nil
	}
	return protocol.InvalidEvidence("the commitment is well formed")
}

func (Protocol) VerifyNormalBroadcastIsInvalid(format encoding.Format, round protocol.RoundID, msg protocol.NormalBroadcast) error {
	if round != revealRound {
		return protocol.VerifyPartIsInvalid[protocol.NoMessage](format, msg.Payload)
	}
	if err := protocol.VerifyPartIsInvalid[Reveal](format, msg.Payload); err == nil {
		return nil
	}
	var r Reveal
	if err := format.Unmarshal(msg.Payload, &r); err == nil && !wellFormed(r) {
		return nil
	}
	return protocol.InvalidEvidence("the reveal is well formed")
}

func wellFormed(r Reveal) bool {
	return len(r.Nonce) == nonceSize && len(r.Value) == valueSize
}

// EntryPoint starts a run. Threshold is the number of parties, this one
// included, whose values must make it into the output.
type EntryPoint struct {
	Parties   []protocol.PartyID
	Threshold int
	// Value is this party's contribution. A random one is drawn when nil.
	Value []byte
}

func NewEntryPoint(parties []protocol.PartyID, threshold int) *EntryPoint {
	return &EntryPoint{Parties: parties, Threshold: threshold}
}

func (e *EntryPoint) EntryRound() protocol.RoundID {
	return commitRound
}

func (e *EntryPoint) MakeRound(rng io.Reader, sharedRandomness []byte, self protocol.PartyID) (protocol.Round, error) {
	r, err := e.newCommitRound(rng, sharedRandomness, self)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (e *EntryPoint) newCommitRound(rng io.Reader, sharedRandomness []byte, self protocol.PartyID) (*round1, error) {
	if !slices.Contains(e.Parties, self) {
		return nil, ErrNotAParty
	}
	n := len(lo.Uniq(e.Parties))
	if e.Threshold < 1 || e.Threshold > n {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadThreshold, e.Threshold, n)
	}

	reveal := Reveal{Nonce: make([]byte, nonceSize), Value: slices.Clone(e.Value)}
	if _, err := io.ReadFull(rng, reveal.Nonce); err != nil {
		return nil, protocol.NewLocalError("failed to draw a nonce: %w", err)
	}
	if reveal.Value == nil {
		reveal.Value = make([]byte, valueSize)
		if _, err := io.ReadFull(rng, reveal.Value); err != nil {
			return nil, protocol.NewLocalError("failed to draw a value: %w", err)
		}
	}
	if len(reveal.Value) != valueSize {
		return nil, fmt.Errorf("commitreveal: value must be %d bytes", valueSize)
	}

	others := lo.Without(lo.Uniq(e.Parties), self)
	return &round1{state: &state{
		sessionID: sharedRandomness,
		self:      self,
		others:    others,
		threshold: e.Threshold,
		reveal:    reveal,
	}}, nil
}

// state is carried from round to round.
type state struct {
	sessionID []byte
	self      protocol.PartyID
	others    []protocol.PartyID
	threshold int
	reveal    Reveal
	// lie makes round 2 reveal a value that does not open the commitment.
	lie bool
}

type round1 struct {
	protocol.BaseRound
	*state
}

func (r *round1) TransitionInfo() protocol.TransitionInfo {
	return protocol.LinearTransition(commitRound.Num)
}

func (r *round1) CommunicationInfo() protocol.CommunicationInfo {
	return protocol.NewCommunicationInfo(r.others, protocol.NewThresholdIDSet(r.others, r.threshold-1)).WithEcho()
}

func (r *round1) MakeEchoBroadcast(_ io.Reader, format encoding.Format) (protocol.EchoBroadcast, error) {
	return protocol.NewEchoBroadcast(format, Commitment{Digest: commit(r.sessionID, r.self, r.reveal)})
}

func (r *round1) ReceiveMessage(format encoding.Format, _ protocol.PartyID, msg protocol.ProtocolMessage) (protocol.Payload, error) {
	if err := msg.Normal.AssertIsNone(); err != nil {
		return protocol.Payload{}, err
	}
	if err := msg.Direct.AssertIsNone(); err != nil {
		return protocol.Payload{}, err
	}
	var c Commitment
	if err := msg.Echo.Deserialize(format, &c); err != nil {
		return protocol.Payload{}, err
	}
	if len(c.Digest) != digestSize {
		return protocol.Payload{}, protocol.InvalidEchoBroadcast(errMalformedCommit)
	}
	return protocol.NewPayload(c), nil
}

func (r *round1) Finalize(_ io.Reader, payloads map[protocol.PartyID]protocol.Payload, _ map[protocol.PartyID]protocol.Artifact) (protocol.FinalizeOutcome, error) {
	commitments, err := protocol.PayloadsAs[Commitment](payloads)
	if err != nil {
		return protocol.FinalizeOutcome{}, err
	}
	return protocol.AnotherRound(&round2{state: r.state, commitments: commitments}), nil
}

type round2 struct {
	protocol.BaseRound
	*state
	commitments map[protocol.PartyID]Commitment
}

func (r *round2) TransitionInfo() protocol.TransitionInfo {
	return protocol.TerminalTransition(revealRound.Num)
}

func (r *round2) CommunicationInfo() protocol.CommunicationInfo {
	committed := lo.Keys(r.commitments)
	return protocol.NewCommunicationInfo(r.others, protocol.NewThresholdIDSet(committed, r.threshold-1))
}

func (r *round2) MakeNormalBroadcast(_ io.Reader, format encoding.Format) (protocol.NormalBroadcast, error) {
	return protocol.NewNormalBroadcast(format, r.revealToSend())
}

func (r *round2) ReceiveMessage(format encoding.Format, from protocol.PartyID, msg protocol.ProtocolMessage) (protocol.Payload, error) {
	if err := msg.Echo.AssertIsNone(); err != nil {
		return protocol.Payload{}, err
	}
	if err := msg.Direct.AssertIsNone(); err != nil {
		return protocol.Payload{}, err
	}
	var reveal Reveal
	if err := msg.Normal.Deserialize(format, &reveal); err != nil {
		return protocol.Payload{}, err
	}
	if !wellFormed(reveal) {
		return protocol.Payload{}, protocol.InvalidNormalBroadcast(errMalformedReveal)
	}
	c, ok := r.commitments[from]
	if !ok {
		return protocol.Payload{}, protocol.Unprovable("no commitment from %s", from.Short())
	}
	if !bytes.Equal(commit(r.sessionID, from, reveal), c.Digest) {
		return protocol.Payload{}, protocol.Misbehaved(RevealMismatch{})
	}
	return protocol.NewPayload(reveal), nil
}

func (r *round2) Finalize(_ io.Reader, payloads map[protocol.PartyID]protocol.Payload, _ map[protocol.PartyID]protocol.Artifact) (protocol.FinalizeOutcome, error) {
	reveals, err := protocol.PayloadsAs[Reveal](payloads)
	if err != nil {
		return protocol.FinalizeOutcome{}, err
	}
	reveals[r.self] = r.reveal
	return protocol.Result(combine(r.sessionID, reveals)), nil
}
