package session

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/signing"
)

const defaultCacheLimit = 16

var (
	ErrNotAddressed   = errors.New("session: message is addressed to another party")
	ErrWrongSession   = errors.New("session: message belongs to another session")
	ErrNotFinished    = errors.New("session: not finished")
	ErrEmptySessionID = errors.New("session: empty session id")
)

type Status int

const (
	// StatusAccepted means the message was applied to the current round.
	StatusAccepted Status = iota + 1
	// StatusCached means the message is held for a later round.
	StatusCached
	// StatusRejected means the message was refused. Whether the sender was
	// banned for it shows in the report.
	StatusRejected
	// StatusStale means the message was already seen or its round is over.
	StatusStale
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusCached:
		return "cached"
	case StatusRejected:
		return "rejected"
	case StatusStale:
		return "stale"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is what happened to one inbound message.
type Outcome struct {
	Status Status
	Reason string
}

func accepted() Outcome { return Outcome{Status: StatusAccepted} }

func rejected(format string, args ...any) Outcome {
	return Outcome{Status: StatusRejected, Reason: fmt.Sprintf(format, args...)}
}

func stale(reason string) Outcome {
	return Outcome{Status: StatusStale, Reason: reason}
}

// Readiness tells whether the current round can be finalized.
type Readiness int

const (
	NotYet Readiness = iota
	Ready
	// Never means the round can no longer gather a quorum.
	Never
)

func (r Readiness) String() string {
	switch r {
	case NotYet:
		return "not_yet"
	case Ready:
		return "ready"
	case Never:
		return "never"
	default:
		return fmt.Sprintf("Readiness(%d)", int(r))
	}
}

type Option func(*Session)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithFailurePolicy(p FailurePolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithCacheLimit bounds how many messages for later rounds are held per
// sender.
func WithCacheLimit(n int) Option {
	return func(s *Session) { s.cacheLimit = n }
}

// Session runs one party's side of a protocol. It is not safe for concurrent
// use, except for Preprocess.
type Session struct {
	rng    io.Reader
	id     SessionID
	params signing.Parameters
	self   protocol.PartyID

	logger     zerolog.Logger
	policy     FailurePolicy
	cacheLimit int

	round protocol.Round
	info  protocol.TransitionInfo
	comm  protocol.CommunicationInfo
	echo  *echoRound
	// sentEcho is set when this party broadcast a non-empty echo part in the
	// current round.
	sentEcho bool

	accepted  map[protocol.PartyID]*Message
	payloads  map[protocol.PartyID]protocol.Payload
	artifacts map[protocol.PartyID]protocol.Artifact
	echoParts map[protocol.PartyID]SignedPart

	visited    map[protocol.RoundID]struct{}
	cache      map[protocol.RoundID]map[protocol.PartyID]*Message
	cacheCount map[protocol.PartyID]int
	outbound   []*Message
	transcript *transcript

	report *Report
	taken  bool
}

// New starts a session at the entry point's first round. Messages for that
// round are available from Outbound right away.
func New(rng io.Reader, sessionID SessionID, params signing.Parameters, entry protocol.EntryPoint, opts ...Option) (*Session, error) {
	if err := params.Validate(true); err != nil {
		return nil, err
	}
	if len(sessionID) == 0 {
		return nil, ErrEmptySessionID
	}

	s := &Session{
		rng:        rng,
		id:         sessionID,
		params:     params,
		self:       params.Signer.ID(),
		logger:     zerolog.Nop(),
		policy:     TolerateMisbehavior,
		cacheLimit: defaultCacheLimit,
		visited:    make(map[protocol.RoundID]struct{}),
		cache:      make(map[protocol.RoundID]map[protocol.PartyID]*Message),
		cacheCount: make(map[protocol.PartyID]int),
		transcript: newTranscript(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("session", shortID(sessionID)).Str("party", s.self.Short()).Logger()

	first, err := entry.MakeRound(rng, sessionID, s.self)
	if err != nil {
		return nil, fmt.Errorf("session: failed to create the entry round: %w", err)
	}
	if id := first.TransitionInfo().ID; id != entry.EntryRound() {
		return nil, fmt.Errorf("session: entry round has id %s, expected %s", id, entry.EntryRound())
	}
	if entry.EntryRound().IsEcho() {
		return nil, fmt.Errorf("session: entry round %s is an echo round id", entry.EntryRound())
	}
	if err := s.enterRound(first); err != nil {
		return nil, err
	}
	s.advance()
	return s, nil
}

func shortID(id SessionID) string {
	h := id.String()
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func (s *Session) ID() SessionID {
	return s.id
}

func (s *Session) PartyID() protocol.PartyID {
	return s.self
}

// CurrentRound is the round being collected, or the last one if finished.
func (s *Session) CurrentRound() protocol.RoundID {
	return s.info.ID
}

func (s *Session) IsFinished() bool {
	return s.report != nil
}

// Outbound returns the messages produced since the last call.
func (s *Session) Outbound() []*Message {
	out := s.outbound
	s.outbound = nil
	return out
}

// TakeResult returns the final report once. Later calls and calls on a
// running session return ErrNotFinished.
func (s *Session) TakeResult() (*Report, error) {
	if s.report == nil || s.taken {
		return nil, ErrNotFinished
	}
	s.taken = true
	return s.report, nil
}

// Terminate ends a session that is still running, for example on timeout.
// The parties the current round is still waiting for are reported missing.
func (s *Session) Terminate() *Report {
	if s.report == nil {
		s.logger.Warn().Str("round", s.info.ID.String()).Msg("Session terminated before completion")
		s.recordCurrentRound()
		s.finish(OutcomeNotEnoughMessages, nil, nil)
	}
	return s.report
}

// Preprocess performs the stateless checks of ProcessMessage: addressing,
// session id and signatures. It only reads immutable session fields and may
// run on any goroutine.
func (s *Session) Preprocess(msg *Message) (*VerifiedMessage, error) {
	if msg.To != s.self {
		return nil, ErrNotAddressed
	}
	if !msg.SessionID().Equal(s.id) {
		return nil, ErrWrongSession
	}
	return VerifyMessage(s.params, msg)
}

// ProcessMessage is Preprocess followed by Apply.
func (s *Session) ProcessMessage(msg *Message) Outcome {
	if s.report != nil {
		return stale("session is finished")
	}
	verified, err := s.Preprocess(msg)
	if err != nil {
		s.logger.Debug().Err(err).Str("from", msg.From.Short()).Msg("Dropping message")
		return rejected("%v", err)
	}
	return s.Apply(verified)
}

// Apply routes a verified message and advances the session as far as it can.
func (s *Session) Apply(verified *VerifiedMessage) Outcome {
	if s.report != nil {
		return stale("session is finished")
	}
	msg := verified.msg
	from := msg.From
	if from == s.self {
		return rejected("message from ourselves")
	}
	if s.transcript.isBanned(from) {
		return rejected("sender %s is banned", from.Short())
	}

	round := msg.Round()
	var out Outcome
	switch _, visited := s.visited[round]; {
	case round == s.info.ID:
		out = s.receive(msg)
	case visited:
		out = s.receivePast(round, msg)
	case s.info.ID.Less(round):
		out = s.store(round, msg)
	default:
		out = rejected("round %s was skipped", round)
	}
	s.advance()
	return out
}

func (s *Session) receivePast(round protocol.RoundID, msg *Message) Outcome {
	prev, ok := s.transcript.message(round, msg.From)
	if ok && !prev.SameContent(msg) {
		s.addEvidence(equivocation(round, prev, msg))
		return rejected("equivocation in %s", round)
	}
	return stale(fmt.Sprintf("round %s is over", round))
}

func (s *Session) store(round protocol.RoundID, msg *Message) Outcome {
	cached := s.cache[round]
	if prev, ok := cached[msg.From]; ok {
		if prev.SameContent(msg) {
			return stale("duplicate")
		}
		s.addEvidence(equivocation(round, prev, msg))
		delete(cached, msg.From)
		s.cacheCount[msg.From]--
		return rejected("equivocation in %s", round)
	}
	if s.cacheCount[msg.From] >= s.cacheLimit {
		return rejected("too many cached messages from %s", msg.From.Short())
	}
	if cached == nil {
		cached = make(map[protocol.PartyID]*Message)
		s.cache[round] = cached
	}
	cached[msg.From] = msg
	s.cacheCount[msg.From]++
	s.logger.Debug().Str("round", round.String()).Str("from", msg.From.Short()).Msg("Cached message for a later round")
	return Outcome{Status: StatusCached}
}

// receive applies a message for the current round.
func (s *Session) receive(msg *Message) Outcome {
	from := msg.From
	if prev, ok := s.accepted[from]; ok {
		if prev.SameContent(msg) {
			return stale("duplicate")
		}
		s.addEvidence(equivocation(s.info.ID, prev, msg))
		return rejected("equivocation in %s", s.info.ID)
	}
	if !s.comm.ExpectingFrom.Contains(from) {
		return rejected("no message expected from %s in %s", from.Short(), s.info.ID)
	}

	payload, err := s.round.ReceiveMessage(s.params.Format, from, msg.ProtocolMessage())
	if err == nil {
		s.accept(msg, payload)
		return accepted()
	}

	rerr := protocol.AsReceiveError(err)
	s.logger.Debug().Err(rerr).Str("round", s.info.ID.String()).Str("from", from.Short()).Msg("Message failed validation")
	switch rerr.Kind {
	case protocol.ReceiveUnprovable:
		var remote protocol.RemoteError
		if !errors.As(rerr.Err, &remote) {
			remote = protocol.NewRemoteError("%v", rerr.Err)
		}
		s.addUnprovable(from, remote)
	case protocol.ReceiveInvalidDirectMessage:
		direct := msg.Direct
		s.addEvidence(s.newEvidence(from, KindInvalidDirectMessage, rerr, PartBundle{Direct: &direct}))
	case protocol.ReceiveInvalidEchoBroadcast:
		echo := msg.Echo
		s.addEvidence(s.newEvidence(from, KindInvalidEchoBroadcast, rerr, PartBundle{Echo: &echo}))
	case protocol.ReceiveInvalidNormalBroadcast:
		normal := msg.Normal
		s.addEvidence(s.newEvidence(from, KindInvalidNormalBroadcast, rerr, PartBundle{Normal: &normal}))
	case protocol.ReceiveProtocol:
		ev, err := s.protocolEvidence(from, s.info.ID, msg, rerr.Protocol)
		if err != nil {
			s.addUnprovable(from, protocol.NewRemoteError("%v (%v)", rerr.Protocol, err))
			break
		}
		s.addEvidence(ev)
	case protocol.ReceiveEcho:
		return s.receiveEchoFailure(msg, rerr)
	default:
		s.fail(protocol.AsLocalError(rerr.Err))
	}
	return rejected("%v", rerr)
}

func (s *Session) receiveEchoFailure(msg *Message, rerr *protocol.ReceiveError) Outcome {
	var eerr *echoError
	if !errors.As(rerr.Err, &eerr) {
		s.fail(protocol.NewLocalError("unexpected echo round error: %w", rerr.Err))
		return rejected("%v", rerr)
	}
	switch eerr.kind {
	case KindMismatchedBroadcasts:
		received, echoed := eerr.received, eerr.echoed
		s.addEvidence(&Evidence{
			Guilty:      eerr.culprit,
			Round:       s.info.ID.NonEcho(),
			Kind:        KindMismatchedBroadcasts,
			Description: eerr.err.Error(),
			Parts:       PartBundle{Echo: &received},
			Conflicting: PartBundle{Echo: &echoed},
		})
		// The echoer reported faithfully.
		s.accept(msg, protocol.Payload{})
		return accepted()
	default:
		normal := msg.Normal
		ev := s.newEvidence(msg.From, KindInvalidEchoPack, eerr, PartBundle{Normal: &normal})
		ev.EchoSender = eerr.culprit
		s.addEvidence(ev)
		return rejected("%v", eerr)
	}
}

func (s *Session) accept(msg *Message, payload protocol.Payload) {
	s.accepted[msg.From] = msg
	s.payloads[msg.From] = payload
	if s.echo == nil && !msg.Echo.IsNone() {
		s.echoParts[msg.From] = msg.Echo
	}
}

func (s *Session) newEvidence(guilty protocol.PartyID, kind EvidenceKind, err error, parts PartBundle) *Evidence {
	return &Evidence{
		Guilty:      guilty,
		Round:       s.info.ID,
		Kind:        kind,
		Description: err.Error(),
		Parts:       parts,
	}
}

func equivocation(round protocol.RoundID, first, second *Message) *Evidence {
	return &Evidence{
		Guilty:      first.From,
		Round:       round,
		Kind:        KindEquivocation,
		Description: fmt.Sprintf("two different messages for %s", round),
		Parts:       first.bundle(),
		Conflicting: second.bundle(),
	}
}

// protocolEvidence attaches the accused's messages a ProtocolError asks for.
// msg is the accused's message in round.
func (s *Session) protocolEvidence(guilty protocol.PartyID, round protocol.RoundID, msg *Message, perr protocol.ProtocolError) (*Evidence, error) {
	data, err := s.params.Format.Marshal(perr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode protocol error: %w", err)
	}
	required := perr.RequiredMessages()
	ev := &Evidence{
		Guilty:        guilty,
		Round:         round,
		Kind:          KindProtocol,
		Description:   perr.Error(),
		Parts:         msg.bundle().selected(required.ThisRound),
		ProtocolError: data,
	}
	for _, id := range required.PreviousRoundIDs() {
		prev, ok := s.transcript.message(id, guilty)
		if !ok {
			return nil, fmt.Errorf("no message from %s in %s", guilty.Short(), id)
		}
		ev.Previous = append(ev.Previous, RoundParts{Round: id, Parts: prev.bundle().selected(required.PreviousRounds[id])})
	}
	for _, id := range required.CombinedEchos {
		prev, ok := s.transcript.message(id.EchoRound(), guilty)
		if !ok {
			return nil, fmt.Errorf("no echo pack from %s for %s", guilty.Short(), id)
		}
		normal := prev.Normal
		ev.CombinedEchos = append(ev.CombinedEchos, RoundParts{Round: id.EchoRound(), Parts: PartBundle{Normal: &normal}})
	}
	return ev, nil
}

func (s *Session) addEvidence(ev *Evidence) {
	if ev.Guilty == s.self {
		return
	}
	if s.transcript.addProvable(ev) {
		delete(s.transcript.unprovable, ev.Guilty)
		s.logger.Warn().Str("guilty", ev.Guilty.Short()).Str("round", ev.Round.String()).
			Str("kind", string(ev.Kind)).Msg(ev.Description)
	}
}

func (s *Session) addUnprovable(id protocol.PartyID, err protocol.RemoteError) {
	if s.transcript.addUnprovable(id, err) {
		s.logger.Warn().Str("party", id.Short()).Str("round", s.info.ID.String()).Msg(err.Reason)
	}
}

func (s *Session) banned() []protocol.PartyID {
	return append(lo.Keys(s.transcript.provable), lo.Keys(s.transcript.unprovable)...)
}

func (s *Session) honest(ids []protocol.PartyID) []protocol.PartyID {
	return lo.Filter(ids, func(id protocol.PartyID, _ int) bool {
		return !s.transcript.isBanned(id)
	})
}

// CanFinalize tells whether the current round has all the messages it can
// still expect.
func (s *Session) CanFinalize() Readiness {
	expecting := s.comm.ExpectingFrom
	if !expecting.IsQuorumPossible(s.banned()) {
		return Never
	}
	if s.echo != nil && !s.echo.mainExpecting.IsQuorum(s.honest(s.echo.mainSenders())) {
		return Never
	}
	pending := lo.Filter(s.honest(expecting.All()), func(id protocol.PartyID, _ int) bool {
		_, ok := s.accepted[id]
		return !ok
	})
	if len(pending) > 0 {
		return NotYet
	}
	if expecting.IsQuorum(s.honest(lo.Keys(s.accepted))) {
		return Ready
	}
	return Never
}

// advance finalizes rounds for as long as they are ready.
func (s *Session) advance() {
	for s.report == nil {
		switch s.CanFinalize() {
		case Ready:
			if err := s.finalize(); err != nil {
				s.fail(err)
			}
		case Never:
			s.logger.Warn().Str("round", s.info.ID.String()).Msg("Round can no longer reach a quorum")
			s.recordCurrentRound()
			s.finish(OutcomeNotEnoughMessages, nil, nil)
		default:
			return
		}
	}
}

func (s *Session) recordCurrentRound() {
	missing := lo.Filter(s.comm.ExpectingFrom.All(), func(id protocol.PartyID, _ int) bool {
		_, ok := s.accepted[id]
		return !ok
	})
	s.transcript.recordRound(s.info.ID, s.accepted, missing)
}

func (s *Session) finalize() *protocol.LocalError {
	id := s.info.ID
	s.recordCurrentRound()
	for sender := range s.payloads {
		if s.transcript.isBanned(sender) {
			delete(s.payloads, sender)
			delete(s.echoParts, sender)
		}
	}

	if s.echo == nil && (s.comm.HasEcho() || s.sentEcho) {
		s.logger.Debug().Str("round", id.String()).Msg("Starting echo round")
		return s.enterRound(newEchoRound(s.params, s.id, s.round, s.comm, s.echoParts, s.payloads, s.artifacts))
	}
	if s.echo != nil {
		s.echo.exclude(s.transcript.isBanned)
	}

	s.logger.Debug().Str("round", id.String()).Int("payloads", len(s.payloads)).Msg("Finalizing round")
	outcome, err := s.round.Finalize(s.rng, s.payloads, s.artifacts)
	if err != nil {
		return protocol.AsLocalError(err)
	}
	switch {
	case outcome.IsResult():
		if !s.info.MayProduceResult {
			return protocol.NewLocalError("round %s is not declared to produce a result", id)
		}
		s.finish(OutcomeResult, outcome.Value(), nil)
	case outcome.IsAnotherRound():
		next := outcome.NextRound()
		if next == nil {
			return protocol.NewLocalError("round %s finalized into a nil round", id)
		}
		nextID := next.TransitionInfo().ID
		if nextID.IsEcho() {
			return protocol.NewLocalError("round %s finalized into %s: echo round ids are reserved", id, nextID)
		}
		// Apply rejects messages for unvisited rounds below the current one.
		if !id.NonEcho().Less(nextID) {
			return protocol.NewLocalError("round %s cannot be followed by %s: round ids must increase", id, nextID)
		}
		if !s.info.CanTransitionTo(nextID) {
			return protocol.NewLocalError("round %s cannot transition to %s", id, nextID)
		}
		return s.enterRound(next)
	case outcome.IsMisbehavior():
		if err := s.recordMisbehavior(id.NonEcho(), outcome.Accused()); err != nil {
			return err
		}
		s.finish(OutcomeMisbehavior, nil, nil)
	default:
		return protocol.NewLocalError("round %s returned an empty outcome", id)
	}
	return nil
}

func (s *Session) recordMisbehavior(round protocol.RoundID, accused map[protocol.PartyID]protocol.ProtocolError) *protocol.LocalError {
	ids := lo.Keys(accused)
	slices.Sort(ids)
	for _, guilty := range ids {
		perr := accused[guilty]
		if guilty == s.self {
			return protocol.NewLocalError("round %s accused this party", round)
		}
		msg, ok := s.transcript.message(round, guilty)
		if !ok {
			s.addUnprovable(guilty, protocol.NewRemoteError("%v (no message in %s)", perr, round))
			continue
		}
		ev, err := s.protocolEvidence(guilty, round, msg, perr)
		if err != nil {
			s.addUnprovable(guilty, protocol.NewRemoteError("%v (%v)", perr, err))
			continue
		}
		s.addEvidence(ev)
	}
	return nil
}

// enterRound makes r current, signs and queues its messages and replays
// what was cached for it.
func (s *Session) enterRound(r protocol.Round) *protocol.LocalError {
	info := r.TransitionInfo()
	if _, ok := s.visited[info.ID]; ok {
		return protocol.NewLocalError("round %s was already visited", info.ID)
	}
	s.visited[info.ID] = struct{}{}

	comm := r.CommunicationInfo()
	if slices.Contains(comm.Destinations, s.self) {
		return protocol.NewLocalError("round %s lists this party as a destination", info.ID)
	}

	s.round, s.info, s.comm = r, info, comm
	s.echo, _ = r.(*echoRound)
	s.accepted = make(map[protocol.PartyID]*Message)
	s.payloads = make(map[protocol.PartyID]protocol.Payload)
	s.artifacts = make(map[protocol.PartyID]protocol.Artifact)
	s.echoParts = make(map[protocol.PartyID]SignedPart)

	meta := Metadata{SessionID: s.id, Round: info.ID}
	echo, err := r.MakeEchoBroadcast(s.rng, s.params.Format)
	if err != nil {
		return protocol.AsLocalError(err)
	}
	signedEcho, err := signPart(s.params, PartEcho, meta, echo.Payload)
	if err != nil {
		return protocol.AsLocalError(err)
	}
	s.sentEcho = !echo.IsNone()

	normal, err := r.MakeNormalBroadcast(s.rng, s.params.Format)
	if err != nil {
		return protocol.AsLocalError(err)
	}
	signedNormal, err := signPart(s.params, PartNormal, meta, normal.Payload)
	if err != nil {
		return protocol.AsLocalError(err)
	}

	for _, dest := range lo.Uniq(comm.Destinations) {
		direct, artifact, err := r.MakeDirectMessage(s.rng, s.params.Format, dest)
		if err != nil {
			return protocol.AsLocalError(err)
		}
		if artifact != nil {
			s.artifacts[dest] = *artifact
		}
		msg, err := newMessage(s.params, dest, signedEcho, signedNormal, direct)
		if err != nil {
			return protocol.AsLocalError(err)
		}
		s.outbound = append(s.outbound, msg)
	}
	s.logger.Debug().Str("round", info.ID.String()).Int("destinations", len(comm.Destinations)).Msg("Entered round")

	cached := s.cache[info.ID]
	delete(s.cache, info.ID)
	senders := lo.Keys(cached)
	slices.Sort(senders)
	for _, from := range senders {
		s.cacheCount[from]--
		if s.transcript.isBanned(from) {
			continue
		}
		s.receive(cached[from])
		if s.report != nil {
			break
		}
	}
	return nil
}

func (s *Session) fail(err *protocol.LocalError) {
	s.logger.Error().Err(err).Str("round", s.info.ID.String()).Msg("Session failed")
	s.finish(OutcomeFailed, nil, err)
}

func (s *Session) finish(kind OutcomeKind, result any, err *protocol.LocalError) {
	if s.report != nil {
		return
	}
	t := s.transcript
	s.report = &Report{
		SessionID:        s.id,
		Outcome:          kind,
		Result:           result,
		Err:              err,
		ProvableErrors:   t.provable,
		UnprovableErrors: t.unprovable,
		MissingMessages:  t.missing,
		Policy:           s.policy,
	}
	s.logger.Info().Str("outcome", kind.String()).Int("provable", len(t.provable)).
		Int("unprovable", len(t.unprovable)).Msg("Session finished")
}
