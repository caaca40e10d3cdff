package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/rounds/pkg/encoding"
	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/signing"
)

// chainMsg is the normal broadcast of every chain round.
type chainMsg struct {
	Round uint16 `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint"`
}

// chainError is raised when a party broadcasts a message stamped with
// another round number.
type chainError struct {
	Expected uint16 `cbor:"1,keyasint"`
}

func (e chainError) Error() string {
	return fmt.Sprintf("chain message is not stamped with round %d", e.Expected)
}

func (e chainError) RequiredMessages() protocol.RequiredMessages {
	return protocol.NewRequiredMessages(protocol.NormalPart)
}

func (e chainError) VerifyEvidence(_ protocol.PartyID, _, _ []byte, msgs protocol.EvidenceMessages) error {
	var m chainMsg
	if err := msgs.NormalBroadcast(&m); err != nil {
		return err
	}
	if m.Round == e.Expected {
		return protocol.InvalidEvidence("the message is stamped correctly")
	}
	return nil
}

type chainProtocol struct{}

func (chainProtocol) Name() string { return "chain" }

func (chainProtocol) DecodeProtocolError(format encoding.Format, _ protocol.RoundID, data []byte) (protocol.ProtocolError, error) {
	var e chainError
	if err := format.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

func (chainProtocol) VerifyDirectMessageIsInvalid(format encoding.Format, _ protocol.RoundID, msg protocol.DirectMessage) error {
	return protocol.VerifyPartIsInvalid[protocol.NoMessage](format, msg.Payload)
}

func (chainProtocol) VerifyEchoBroadcastIsInvalid(format encoding.Format, _ protocol.RoundID, msg protocol.EchoBroadcast) error {
	return protocol.VerifyPartIsInvalid[protocol.NoMessage](format, msg.Payload)
}

func (chainProtocol) VerifyNormalBroadcastIsInvalid(format encoding.Format, _ protocol.RoundID, msg protocol.NormalBroadcast) error {
	return protocol.VerifyPartIsInvalid[chainMsg](format, msg.Payload)
}

// chainEntry runs rounds 1..rounds, each a plain broadcast. order, if set,
// replaces that sequence of round numbers.
type chainEntry struct {
	parties []protocol.PartyID
	rounds  uint16
	order   []uint16
}

func (e chainEntry) sequence() []uint16 {
	if len(e.order) > 0 {
		return e.order
	}
	seq := make([]uint16, e.rounds)
	for i := range seq {
		seq[i] = uint16(i + 1)
	}
	return seq
}

func (e chainEntry) EntryRound() protocol.RoundID { return protocol.NewRoundID(e.sequence()[0]) }

func (e chainEntry) MakeRound(_ io.Reader, _ []byte, self protocol.PartyID) (protocol.Round, error) {
	return &chainRound{entry: e, num: e.sequence()[0], self: self}, nil
}

type chainRound struct {
	protocol.BaseRound
	entry chainEntry
	step  int
	num   uint16
	self  protocol.PartyID
	seen  int
}

func (r *chainRound) next() (uint16, bool) {
	seq := r.entry.sequence()
	if r.step+1 < len(seq) {
		return seq[r.step+1], true
	}
	return 0, false
}

func (r *chainRound) TransitionInfo() protocol.TransitionInfo {
	if n, ok := r.next(); ok {
		return protocol.NewTransitionInfo(protocol.NewRoundID(r.num), false, protocol.NewRoundID(n))
	}
	return protocol.TerminalTransition(r.num)
}

func (r *chainRound) CommunicationInfo() protocol.CommunicationInfo {
	return protocol.Regular(r.self, r.entry.parties)
}

func (r *chainRound) MakeNormalBroadcast(_ io.Reader, format encoding.Format) (protocol.NormalBroadcast, error) {
	return protocol.NewNormalBroadcast(format, chainMsg{Round: r.num, Value: []byte(r.self)})
}

func (r *chainRound) ReceiveMessage(format encoding.Format, _ protocol.PartyID, msg protocol.ProtocolMessage) (protocol.Payload, error) {
	if err := msg.Echo.AssertIsNone(); err != nil {
		return protocol.Payload{}, err
	}
	if err := msg.Direct.AssertIsNone(); err != nil {
		return protocol.Payload{}, err
	}
	var m chainMsg
	if err := msg.Normal.Deserialize(format, &m); err != nil {
		return protocol.Payload{}, err
	}
	if m.Round != r.num {
		return protocol.Payload{}, protocol.Misbehaved(chainError{Expected: r.num})
	}
	return protocol.NewPayload(m), nil
}

func (r *chainRound) Finalize(_ io.Reader, payloads map[protocol.PartyID]protocol.Payload, _ map[protocol.PartyID]protocol.Artifact) (protocol.FinalizeOutcome, error) {
	msgs, err := protocol.PayloadsAs[chainMsg](payloads)
	if err != nil {
		return protocol.FinalizeOutcome{}, err
	}
	seen := r.seen + len(msgs)
	if n, ok := r.next(); ok {
		return protocol.AnotherRound(&chainRound{entry: r.entry, step: r.step + 1, num: n, self: r.self, seen: seen}), nil
	}
	return protocol.Result(seen), nil
}

// shoutMsg is the echo broadcast of the shout round, and its direct message
// when those are enabled.
type shoutMsg struct {
	Value []byte `cbor:"1,keyasint"`
}

// shoutEntry is a single round where every party echo-broadcasts its id. A
// non-zero threshold lets the round finish with that many senders.
type shoutEntry struct {
	parties   []protocol.PartyID
	threshold int
	direct    bool
}

func (e shoutEntry) EntryRound() protocol.RoundID { return protocol.NewRoundID(1) }

func (e shoutEntry) MakeRound(_ io.Reader, _ []byte, self protocol.PartyID) (protocol.Round, error) {
	return &shoutRound{entry: e, self: self}, nil
}

type shoutRound struct {
	entry shoutEntry
	self  protocol.PartyID
}

func (r *shoutRound) TransitionInfo() protocol.TransitionInfo {
	return protocol.TerminalTransition(1)
}

func (r *shoutRound) CommunicationInfo() protocol.CommunicationInfo {
	comm := protocol.Regular(r.self, r.entry.parties)
	if r.entry.threshold > 0 {
		comm.ExpectingFrom = protocol.NewThresholdIDSet(comm.Destinations, r.entry.threshold)
	}
	return comm.WithEcho()
}

func (r *shoutRound) MakeDirectMessage(_ io.Reader, format encoding.Format, dest protocol.PartyID) (protocol.DirectMessage, *protocol.Artifact, error) {
	if !r.entry.direct {
		return protocol.DirectMessage{}, nil, nil
	}
	msg, err := protocol.NewDirectMessage(format, shoutMsg{Value: []byte(dest)})
	return msg, nil, err
}

func (r *shoutRound) MakeEchoBroadcast(_ io.Reader, format encoding.Format) (protocol.EchoBroadcast, error) {
	return protocol.NewEchoBroadcast(format, shoutMsg{Value: []byte(r.self)})
}

func (r *shoutRound) MakeNormalBroadcast(io.Reader, encoding.Format) (protocol.NormalBroadcast, error) {
	return protocol.NormalBroadcast{}, nil
}

func (r *shoutRound) ReceiveMessage(format encoding.Format, _ protocol.PartyID, msg protocol.ProtocolMessage) (protocol.Payload, error) {
	if err := msg.Normal.AssertIsNone(); err != nil {
		return protocol.Payload{}, err
	}
	var m shoutMsg
	if err := msg.Echo.Deserialize(format, &m); err != nil {
		return protocol.Payload{}, err
	}
	if !r.entry.direct {
		if err := msg.Direct.AssertIsNone(); err != nil {
			return protocol.Payload{}, err
		}
		return protocol.NewPayload(m), nil
	}
	var d shoutMsg
	if err := msg.Direct.Deserialize(format, &d); err != nil {
		return protocol.Payload{}, err
	}
	return protocol.NewPayload(m), nil
}

func (r *shoutRound) Finalize(_ io.Reader, payloads map[protocol.PartyID]protocol.Payload, _ map[protocol.PartyID]protocol.Artifact) (protocol.FinalizeOutcome, error) {
	return protocol.Result(len(payloads)), nil
}

type shoutProtocol struct {
	direct bool
}

func (shoutProtocol) Name() string { return "shout" }

func (shoutProtocol) DecodeProtocolError(encoding.Format, protocol.RoundID, []byte) (protocol.ProtocolError, error) {
	return nil, fmt.Errorf("shout has no protocol errors")
}

func (p shoutProtocol) VerifyDirectMessageIsInvalid(format encoding.Format, _ protocol.RoundID, msg protocol.DirectMessage) error {
	if p.direct {
		return protocol.VerifyPartIsInvalid[shoutMsg](format, msg.Payload)
	}
	return protocol.VerifyPartIsInvalid[protocol.NoMessage](format, msg.Payload)
}

func (shoutProtocol) VerifyEchoBroadcastIsInvalid(format encoding.Format, _ protocol.RoundID, msg protocol.EchoBroadcast) error {
	return protocol.VerifyPartIsInvalid[shoutMsg](format, msg.Payload)
}

func (shoutProtocol) VerifyNormalBroadcastIsInvalid(format encoding.Format, _ protocol.RoundID, msg protocol.NormalBroadcast) error {
	return protocol.VerifyPartIsInvalid[protocol.NoMessage](format, msg.Payload)
}

type testNet struct {
	sid      SessionID
	params   []signing.Parameters
	ids      []protocol.PartyID
	sessions map[protocol.PartyID]*Session
}

func newTestParams(t *testing.T, n int) ([]signing.Parameters, []protocol.PartyID) {
	t.Helper()
	params := make([]signing.Parameters, n)
	ids := make([]protocol.PartyID, n)
	for i := range params {
		signer, err := signing.Ed25519Scheme{}.GenerateSigner()
		require.NoError(t, err)
		params[i] = signing.Parameters{
			Signer:   signer,
			Verifier: signing.Ed25519Scheme{},
			Hasher:   signing.SHA256,
			Format:   encoding.CBOR,
		}
		ids[i] = signer.ID()
	}
	return params, ids
}

func newTestNet(t *testing.T, n int, entry func(ids []protocol.PartyID) protocol.EntryPoint, opts ...Option) *testNet {
	t.Helper()
	params, ids := newTestParams(t, n)
	sid, err := RandomSessionID(signing.SHA256, rand.Reader)
	require.NoError(t, err)

	net := &testNet{sid: sid, params: params, ids: ids, sessions: make(map[protocol.PartyID]*Session)}
	for i, p := range params {
		s, err := New(rand.Reader, sid, p, entry(ids), opts...)
		require.NoError(t, err)
		net.sessions[ids[i]] = s
	}
	return net
}

func (n *testNet) session(i int) *Session {
	return n.sessions[n.ids[i]]
}

// pending drains every session's outbound queue.
func (n *testNet) pending() []*Message {
	var out []*Message
	for _, id := range n.ids {
		out = append(out, n.sessions[id].Outbound()...)
	}
	return out
}

// run delivers messages until none are left, dropping those filter rejects.
func (n *testNet) run(t *testing.T, filter func(*Message) bool) {
	t.Helper()
	for {
		msgs := n.pending()
		if len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			if filter != nil && !filter(msg) {
				continue
			}
			n.sessions[msg.To].ProcessMessage(msg)
		}
	}
}

// forge builds a correctly signed message with arbitrary content.
func forge(t *testing.T, params signing.Parameters, sid SessionID, round protocol.RoundID, to protocol.PartyID, normal []byte) *Message {
	t.Helper()
	return forgeParts(t, params, sid, round, to, protocol.ProtocolMessage{Normal: protocol.NormalBroadcast{Payload: normal}})
}

func forgeParts(t *testing.T, params signing.Parameters, sid SessionID, round protocol.RoundID, to protocol.PartyID, pm protocol.ProtocolMessage) *Message {
	t.Helper()
	msg, err := NewMessage(params, sid, round, to, pm)
	require.NoError(t, err)
	return msg
}

func chainPayload(t *testing.T, round uint16, value string) []byte {
	t.Helper()
	data, err := encoding.CBOR.Marshal(chainMsg{Round: round, Value: []byte(value)})
	require.NoError(t, err)
	return data
}

func linearChain(rounds uint16) func([]protocol.PartyID) protocol.EntryPoint {
	return func(ids []protocol.PartyID) protocol.EntryPoint {
		return chainEntry{parties: ids, rounds: rounds}
	}
}

func shoutPayload(t *testing.T, value string) []byte {
	t.Helper()
	data, err := encoding.CBOR.Marshal(shoutMsg{Value: []byte(value)})
	require.NoError(t, err)
	return data
}

func shouting(e shoutEntry) func([]protocol.PartyID) protocol.EntryPoint {
	return func(ids []protocol.PartyID) protocol.EntryPoint {
		e.parties = ids
		return e
	}
}
