// Package protocol defines the contract between protocol authors and the
// session engine: rounds, their message parts, and provable errors.
package protocol

import (
	"io"
	"slices"

	"github.com/luxfi/rounds/pkg/encoding"
)

// Round is one step of a protocol as seen by one party.
type Round interface {
	// TransitionInfo declares this round's id and where finalizing may lead.
	TransitionInfo() TransitionInfo

	// CommunicationInfo declares who gets messages and whose messages are
	// needed. It must not depend on anything received.
	CommunicationInfo() CommunicationInfo

	// MakeDirectMessage is called once per destination.
	MakeDirectMessage(rng io.Reader, format encoding.Format, destination PartyID) (DirectMessage, *Artifact, error)

	// MakeEchoBroadcast is called once per round; the result goes to every
	// destination and is checked for consistency by an echo round.
	MakeEchoBroadcast(rng io.Reader, format encoding.Format) (EchoBroadcast, error)

	// MakeNormalBroadcast is called once per round.
	MakeNormalBroadcast(rng io.Reader, format encoding.Format) (NormalBroadcast, error)

	// ReceiveMessage validates one sender's message. Failures are reported
	// with a *ReceiveError.
	ReceiveMessage(format encoding.Format, from PartyID, msg ProtocolMessage) (Payload, error)

	// Finalize consumes the round. It is called at most once.
	Finalize(rng io.Reader, payloads map[PartyID]Payload, artifacts map[PartyID]Artifact) (FinalizeOutcome, error)
}

// EntryPoint creates the first round of a protocol run.
type EntryPoint interface {
	EntryRound() RoundID
	MakeRound(rng io.Reader, sharedRandomness []byte, self PartyID) (Round, error)
}

// Protocol holds the static, round-independent knowledge needed to verify
// evidence offline.
type Protocol interface {
	Name() string

	// DecodeProtocolError restores a ProtocolError raised in the given round.
	DecodeProtocolError(format encoding.Format, round RoundID, data []byte) (ProtocolError, error)

	// The Verify*IsInvalid methods return nil if the part could not have
	// been produced by an honest party in that round. VerifyPartIsInvalid
	// implements the usual case.
	VerifyDirectMessageIsInvalid(format encoding.Format, round RoundID, msg DirectMessage) error
	VerifyEchoBroadcastIsInvalid(format encoding.Format, round RoundID, msg EchoBroadcast) error
	VerifyNormalBroadcastIsInvalid(format encoding.Format, round RoundID, msg NormalBroadcast) error
}

// TransitionInfo describes a round's place in the round graph.
type TransitionInfo struct {
	ID               RoundID
	Children         []RoundID
	MayProduceResult bool
}

func NewTransitionInfo(id RoundID, mayProduceResult bool, children ...RoundID) TransitionInfo {
	return TransitionInfo{ID: id, Children: children, MayProduceResult: mayProduceResult}
}

// LinearTransition is round n leading only to round n+1.
func LinearTransition(n uint16) TransitionInfo {
	return TransitionInfo{ID: NewRoundID(n), Children: []RoundID{NewRoundID(n + 1)}}
}

// TerminalTransition is round n producing a result only.
func TerminalTransition(n uint16) TransitionInfo {
	return TransitionInfo{ID: NewRoundID(n), MayProduceResult: true}
}

func (t TransitionInfo) CanTransitionTo(id RoundID) bool {
	return slices.Contains(t.Children, id)
}

type EchoMode int

const (
	// EchoNone means the round has no echo broadcasts.
	EchoNone EchoMode = iota
	// EchoSameAsMain runs the echo round between the same parties as the
	// main round.
	EchoSameAsMain
	// EchoCustom runs the echo round with its own destinations and senders.
	EchoCustom
)

type EchoCommunication struct {
	Mode          EchoMode
	Destinations  []PartyID
	ExpectingFrom IDSet
}

// CommunicationInfo declares a round's message flow.
type CommunicationInfo struct {
	Destinations  []PartyID
	ExpectingFrom IDSet
	Echo          EchoCommunication
}

// NewCommunicationInfo is a round without echo broadcasts.
func NewCommunicationInfo(destinations []PartyID, expectingFrom IDSet) CommunicationInfo {
	return CommunicationInfo{Destinations: slices.Clone(destinations), ExpectingFrom: expectingFrom}
}

// Regular is the common case of exchanging messages with every other party.
func Regular(self PartyID, all []PartyID) CommunicationInfo {
	others := make([]PartyID, 0, len(all))
	for _, id := range all {
		if id != self {
			others = append(others, id)
		}
	}
	return NewCommunicationInfo(others, NewIDSet(others))
}

func (c CommunicationInfo) WithEcho() CommunicationInfo {
	c.Echo = EchoCommunication{Mode: EchoSameAsMain}
	return c
}

func (c CommunicationInfo) WithCustomEcho(destinations []PartyID, expectingFrom IDSet) CommunicationInfo {
	c.Echo = EchoCommunication{Mode: EchoCustom, Destinations: slices.Clone(destinations), ExpectingFrom: expectingFrom}
	return c
}

func (c CommunicationInfo) HasEcho() bool {
	return c.Echo.Mode != EchoNone
}

// EchoDestinations resolves who receives this party's echo pack.
func (c CommunicationInfo) EchoDestinations() []PartyID {
	if c.Echo.Mode == EchoCustom {
		return c.Echo.Destinations
	}
	return c.Destinations
}

// EchoExpectingFrom resolves whose echo packs are needed.
func (c CommunicationInfo) EchoExpectingFrom() IDSet {
	if c.Echo.Mode == EchoCustom {
		return c.Echo.ExpectingFrom
	}
	return c.ExpectingFrom
}

type outcomeKind int

const (
	outcomeResult outcomeKind = iota + 1
	outcomeAnotherRound
	outcomeMisbehavior
)

// FinalizeOutcome is what a round turns into.
type FinalizeOutcome struct {
	kind        outcomeKind
	result      any
	next        Round
	misbehavior map[PartyID]ProtocolError
}

// Result ends the protocol with v.
func Result(v any) FinalizeOutcome {
	return FinalizeOutcome{kind: outcomeResult, result: v}
}

// AnotherRound continues with r, whose id must be among this round's
// children.
func AnotherRound(r Round) FinalizeOutcome {
	return FinalizeOutcome{kind: outcomeAnotherRound, next: r}
}

// Misbehavior ends the protocol accusing the given parties. Each error must be
// provable from the accused's messages of the finalizing round and the rounds
// it names in RequiredMessages.
func Misbehavior(errs map[PartyID]ProtocolError) FinalizeOutcome {
	return FinalizeOutcome{kind: outcomeMisbehavior, misbehavior: errs}
}

func (o FinalizeOutcome) IsResult() bool       { return o.kind == outcomeResult }
func (o FinalizeOutcome) IsAnotherRound() bool { return o.kind == outcomeAnotherRound }
func (o FinalizeOutcome) IsMisbehavior() bool  { return o.kind == outcomeMisbehavior }

func (o FinalizeOutcome) Value() any                         { return o.result }
func (o FinalizeOutcome) NextRound() Round                   { return o.next }
func (o FinalizeOutcome) Accused() map[PartyID]ProtocolError { return o.misbehavior }

// BaseRound can be embedded to skip the message producers a round does not
// use.
type BaseRound struct{}

func (BaseRound) MakeDirectMessage(io.Reader, encoding.Format, PartyID) (DirectMessage, *Artifact, error) {
	return DirectMessage{}, nil, nil
}

func (BaseRound) MakeEchoBroadcast(io.Reader, encoding.Format) (EchoBroadcast, error) {
	return EchoBroadcast{}, nil
}

func (BaseRound) MakeNormalBroadcast(io.Reader, encoding.Format) (NormalBroadcast, error) {
	return NormalBroadcast{}, nil
}
