package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/luxfi/rounds/pkg/encoding"
)

// ChainJoin starts the second protocol of a chain from the first one's
// result.
type ChainJoin interface {
	// EntryRound is the second protocol's own id for its first round.
	EntryRound() RoundID
	MakeEntryPoint(result any) (EntryPoint, error)
}

// Chain runs first and then the protocol join makes from its result, as one
// session. The second protocol's round ids are moved up by offset, so offset
// must be at least the highest round number first can reach.
func Chain(first EntryPoint, join ChainJoin, offset uint16) EntryPoint {
	return &chainEntry{first: first, join: join, offset: offset}
}

type chainEntry struct {
	first  EntryPoint
	join   ChainJoin
	offset uint16
}

func (e *chainEntry) EntryRound() RoundID {
	return e.first.EntryRound()
}

func (e *chainEntry) MakeRound(rng io.Reader, sharedRandomness []byte, self PartyID) (Round, error) {
	r, err := e.first.MakeRound(rng, sharedRandomness, self)
	if err != nil {
		return nil, err
	}
	return &chainedRound{inner: r, chain: e, sharedRandomness: sharedRandomness, self: self}, nil
}

func raise(id RoundID, offset uint16) RoundID {
	return RoundID{Num: id.Num + offset, Echo: id.Echo}
}

func lower(id RoundID, offset uint16) RoundID {
	return RoundID{Num: id.Num - offset, Echo: id.Echo}
}

// chainedRound runs a round of either protocol under the chain's round ids.
type chainedRound struct {
	inner  Round
	chain  *chainEntry
	second bool

	sharedRandomness []byte
	self             PartyID
}

func (r *chainedRound) id(id RoundID) RoundID {
	if r.second {
		return raise(id, r.chain.offset)
	}
	return id
}

func (r *chainedRound) TransitionInfo() TransitionInfo {
	info := r.inner.TransitionInfo()
	out := TransitionInfo{ID: r.id(info.ID), MayProduceResult: info.MayProduceResult}
	for _, child := range info.Children {
		out.Children = append(out.Children, r.id(child))
	}
	if !r.second && info.MayProduceResult {
		out.MayProduceResult = false
		out.Children = append(out.Children, raise(r.chain.join.EntryRound(), r.chain.offset))
	}
	return out
}

func (r *chainedRound) CommunicationInfo() CommunicationInfo {
	return r.inner.CommunicationInfo()
}

func (r *chainedRound) MakeDirectMessage(rng io.Reader, format encoding.Format, destination PartyID) (DirectMessage, *Artifact, error) {
	return r.inner.MakeDirectMessage(rng, format, destination)
}

func (r *chainedRound) MakeEchoBroadcast(rng io.Reader, format encoding.Format) (EchoBroadcast, error) {
	return r.inner.MakeEchoBroadcast(rng, format)
}

func (r *chainedRound) MakeNormalBroadcast(rng io.Reader, format encoding.Format) (NormalBroadcast, error) {
	return r.inner.MakeNormalBroadcast(rng, format)
}

func (r *chainedRound) ReceiveMessage(format encoding.Format, from PartyID, msg ProtocolMessage) (Payload, error) {
	payload, err := r.inner.ReceiveMessage(format, from, msg)
	if err == nil || !r.second {
		return payload, err
	}
	var rerr *ReceiveError
	if errors.As(err, &rerr) && rerr.Kind == ReceiveProtocol {
		return Payload{}, Misbehaved(offsetError{ProtocolError: rerr.Protocol, offset: r.chain.offset})
	}
	return payload, err
}

func (r *chainedRound) Finalize(rng io.Reader, payloads map[PartyID]Payload, artifacts map[PartyID]Artifact) (FinalizeOutcome, error) {
	outcome, err := r.inner.Finalize(rng, payloads, artifacts)
	if err != nil {
		return outcome, err
	}
	switch {
	case outcome.IsAnotherRound():
		next := *r
		next.inner = outcome.NextRound()
		return AnotherRound(&next), nil
	case outcome.IsMisbehavior() && r.second:
		accused := make(map[PartyID]ProtocolError, len(outcome.Accused()))
		for id, perr := range outcome.Accused() {
			accused[id] = offsetError{ProtocolError: perr, offset: r.chain.offset}
		}
		return Misbehavior(accused), nil
	case outcome.IsResult() && !r.second:
		return r.startSecond(rng, outcome.Value())
	}
	return outcome, nil
}

func (r *chainedRound) startSecond(rng io.Reader, result any) (FinalizeOutcome, error) {
	entry, err := r.chain.join.MakeEntryPoint(result)
	if err != nil {
		return FinalizeOutcome{}, NewLocalError("failed to start the second protocol: %w", err)
	}
	first, err := entry.MakeRound(rng, r.sharedRandomness, r.self)
	if err != nil {
		return FinalizeOutcome{}, NewLocalError("failed to start the second protocol: %w", err)
	}
	if id := first.TransitionInfo().ID; id != r.chain.join.EntryRound() {
		return FinalizeOutcome{}, NewLocalError("second protocol starts at %s, expected %s", id, r.chain.join.EntryRound())
	}
	return AnotherRound(&chainedRound{
		inner:            first,
		chain:            r.chain,
		second:           true,
		sharedRandomness: r.sharedRandomness,
		self:             r.self,
	}), nil
}

// offsetError shows a second protocol's ProtocolError under the chain's
// round ids. It encodes as the wrapped error.
type offsetError struct {
	ProtocolError
	offset uint16
}

func (e offsetError) Unwrap() error {
	return e.ProtocolError
}

func (e offsetError) RequiredMessages() RequiredMessages {
	inner := e.ProtocolError.RequiredMessages()
	out := NewRequiredMessages(inner.ThisRound)
	for id, parts := range inner.PreviousRounds {
		out = out.WithPreviousRound(raise(id, e.offset), parts)
	}
	for _, id := range inner.CombinedEchos {
		out = out.WithCombinedEchos(raise(id, e.offset))
	}
	return out
}

func (e offsetError) VerifyEvidence(from PartyID, sharedRandomness, associatedData []byte, msgs EvidenceMessages) error {
	lowered := EvidenceMessages{
		Format:  msgs.Format,
		Round:   lower(msgs.Round, e.offset),
		Message: msgs.Message,
	}
	if msgs.Previous != nil {
		lowered.Previous = make(map[RoundID]ProtocolMessage, len(msgs.Previous))
		for id, m := range msgs.Previous {
			lowered.Previous[lower(id, e.offset)] = m
		}
	}
	if msgs.Combined != nil {
		lowered.Combined = make(map[RoundID]map[PartyID]EchoBroadcast, len(msgs.Combined))
		for id, echos := range msgs.Combined {
			lowered.Combined[lower(id, e.offset)] = echos
		}
	}
	return e.ProtocolError.VerifyEvidence(from, sharedRandomness, associatedData, lowered)
}

func (e offsetError) MarshalCBOR() ([]byte, error) {
	return encoding.CBOR.Marshal(e.ProtocolError)
}

func (e offsetError) MarshalJSON() ([]byte, error) {
	return encoding.JSON.Marshal(e.ProtocolError)
}

// ChainedProtocol verifies evidence from a Chain run. Rounds numbered above
// Offset belong to Second.
type ChainedProtocol struct {
	First  Protocol
	Second Protocol
	Offset uint16
}

func (p ChainedProtocol) Name() string {
	return fmt.Sprintf("%s+%s", p.First.Name(), p.Second.Name())
}

func (p ChainedProtocol) route(round RoundID) (Protocol, RoundID, bool) {
	if round.Num > p.Offset {
		return p.Second, lower(round, p.Offset), true
	}
	return p.First, round, false
}

func (p ChainedProtocol) DecodeProtocolError(format encoding.Format, round RoundID, data []byte) (ProtocolError, error) {
	proto, id, second := p.route(round)
	perr, err := proto.DecodeProtocolError(format, id, data)
	if err != nil || !second {
		return perr, err
	}
	return offsetError{ProtocolError: perr, offset: p.Offset}, nil
}

func (p ChainedProtocol) VerifyDirectMessageIsInvalid(format encoding.Format, round RoundID, msg DirectMessage) error {
	proto, id, _ := p.route(round)
	return proto.VerifyDirectMessageIsInvalid(format, id, msg)
}

func (p ChainedProtocol) VerifyEchoBroadcastIsInvalid(format encoding.Format, round RoundID, msg EchoBroadcast) error {
	proto, id, _ := p.route(round)
	return proto.VerifyEchoBroadcastIsInvalid(format, id, msg)
}

func (p ChainedProtocol) VerifyNormalBroadcastIsInvalid(format encoding.Format, round RoundID, msg NormalBroadcast) error {
	proto, id, _ := p.route(round)
	return proto.VerifyNormalBroadcastIsInvalid(format, id, msg)
}
