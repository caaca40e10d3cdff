package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rounds/pkg/encoding"
	"github.com/luxfi/rounds/pkg/protocol"
)

var round1 = protocol.NewRoundID(1)

func TestEchoError_Error(t *testing.T) {
	err := &echoError{kind: KindInvalidEchoPack, err: errors.New("empty")}
	assert.Equal(t, "invalid_echo_pack: empty", err.Error())

	err.culprit = "abc"
	assert.Equal(t, "invalid_echo_pack (abc): empty", err.Error())
}

func TestSession_EchoRound(t *testing.T) {
	net := newTestNet(t, 3, shouting(shoutEntry{direct: true}))

	rounds := make(map[protocol.RoundID]int)
	net.run(t, func(msg *Message) bool {
		rounds[msg.Round()]++
		return true
	})
	// every party sends to two others in the main round and its echo round
	assert.Equal(t, map[protocol.RoundID]int{round1: 6, round1.EchoRound(): 6}, rounds)

	for _, id := range net.ids {
		s := net.sessions[id]
		report, err := s.TakeResult()
		require.NoError(t, err)
		assert.Equal(t, OutcomeResult, report.Outcome)
		assert.Equal(t, 2, report.Result)
		assert.Empty(t, report.ProvableErrors)
		assert.Equal(t, round1.EchoRound(), s.CurrentRound())
	}
}

func TestSession_MismatchedBroadcasts(t *testing.T) {
	net := newTestNet(t, 3, shouting(shoutEntry{}))
	a, b, c := net.ids[0], net.ids[1], net.ids[2]

	// a shows b and c different echo broadcasts
	net.session(0).Outbound()
	for to, value := range map[protocol.PartyID]string{b: "x", c: "y"} {
		msg := forgeParts(t, net.params[0], net.sid, round1, to, protocol.ProtocolMessage{
			Echo: protocol.EchoBroadcast{Payload: shoutPayload(t, value)},
		})
		require.Equal(t, StatusAccepted, net.sessions[to].ProcessMessage(msg).Status)
	}
	net.run(t, nil)

	verifier := net.params[2].VerifierParameters()
	for _, id := range []protocol.PartyID{b, c} {
		report, err := net.sessions[id].TakeResult()
		require.NoError(t, err)
		// the echo round cannot finish without a
		assert.Equal(t, OutcomeNotEnoughMessages, report.Outcome)
		require.Contains(t, report.ProvableErrors, a)

		ev := report.ProvableErrors[a]
		assert.Equal(t, KindMismatchedBroadcasts, ev.Kind)
		assert.Equal(t, round1, ev.Round)
		require.NoError(t, ev.Verify(shoutProtocol{}, verifier, nil))

		same := *ev
		same.Conflicting = ev.Parts
		assert.ErrorIs(t, same.Verify(shoutProtocol{}, verifier, nil), ErrEvidenceNotProven)
	}
	assert.NotContains(t, net.sessions[b].Terminate().ProvableErrors, c)
}

func TestSession_InvalidEchoBroadcast(t *testing.T) {
	net := newTestNet(t, 3, shouting(shoutEntry{}))
	a, b := net.ids[0], net.session(1)

	msg := forgeParts(t, net.params[0], net.sid, round1, b.PartyID(), protocol.ProtocolMessage{
		Echo: protocol.EchoBroadcast{Payload: []byte{0xff, 0x00}},
	})
	assert.Equal(t, StatusRejected, b.ProcessMessage(msg).Status)

	report := b.Terminate()
	require.Contains(t, report.ProvableErrors, a)
	ev := report.ProvableErrors[a]
	assert.Equal(t, KindInvalidEchoBroadcast, ev.Kind)
	require.NotNil(t, ev.Parts.Echo)

	verifier := net.params[2].VerifierParameters()
	require.NoError(t, ev.Verify(shoutProtocol{}, verifier, nil))

	honest := forgeParts(t, net.params[0], net.sid, round1, b.PartyID(), protocol.ProtocolMessage{
		Echo: protocol.EchoBroadcast{Payload: shoutPayload(t, "a")},
	})
	forged := *ev
	echo := honest.Echo
	forged.Parts = PartBundle{Echo: &echo}
	assert.ErrorIs(t, forged.Verify(shoutProtocol{}, verifier, nil), ErrEvidenceNotProven)
}

func TestSession_InvalidDirectMessage(t *testing.T) {
	net := newTestNet(t, 3, shouting(shoutEntry{direct: true}))
	a, b := net.ids[0], net.session(1)

	msg := forgeParts(t, net.params[0], net.sid, round1, b.PartyID(), protocol.ProtocolMessage{
		Echo:   protocol.EchoBroadcast{Payload: shoutPayload(t, "a")},
		Direct: protocol.DirectMessage{Payload: []byte{0xff, 0x00}},
	})
	assert.Equal(t, StatusRejected, b.ProcessMessage(msg).Status)

	report := b.Terminate()
	require.Contains(t, report.ProvableErrors, a)
	ev := report.ProvableErrors[a]
	assert.Equal(t, KindInvalidDirectMessage, ev.Kind)
	require.NotNil(t, ev.Parts.Direct)
	assert.Equal(t, b.PartyID(), ev.Parts.Direct.Metadata.To)

	verifier := net.params[2].VerifierParameters()
	require.NoError(t, ev.Verify(shoutProtocol{direct: true}, verifier, nil))

	framed := *ev
	framed.Guilty = net.ids[2]
	assert.ErrorIs(t, framed.Verify(shoutProtocol{direct: true}, verifier, nil), ErrEvidenceNotProven)
}

func TestSession_InvalidEchoPack(t *testing.T) {
	// deliver the main round only, leaving everyone in the echo round
	setup := func(t *testing.T) *testNet {
		net := newTestNet(t, 3, shouting(shoutEntry{}))
		net.run(t, func(msg *Message) bool { return msg.Round() == round1 })
		for _, id := range net.ids {
			require.Equal(t, round1.EchoRound(), net.sessions[id].CurrentRound())
		}
		return net
	}
	echoRoundID := round1.EchoRound()

	tests := []struct {
		name       string
		pack       func(t *testing.T, net *testNet) []byte
		echoSender func(net *testNet) protocol.PartyID
	}{
		{
			name: "malformed pack",
			pack: func(t *testing.T, _ *testNet) []byte {
				return []byte{0xff, 0x00}
			},
			echoSender: func(*testNet) protocol.PartyID { return "" },
		},
		{
			name: "pack with an unsorted entry list",
			pack: func(t *testing.T, net *testNet) []byte {
				entries := []echoEntry{{Sender: net.ids[2]}, {Sender: net.ids[1]}}
				if net.ids[1] > net.ids[2] {
					entries[0], entries[1] = entries[1], entries[0]
				}
				data, err := encoding.CBOR.Marshal(echoPack{Entries: entries})
				require.NoError(t, err)
				return data
			},
			echoSender: func(*testNet) protocol.PartyID { return "" },
		},
		{
			name: "echo the sender never signed",
			pack: func(t *testing.T, net *testNet) []byte {
				// signed by a but claimed to be from c
				part, err := signPart(net.params[0], PartEcho, Metadata{SessionID: net.sid, Round: round1}, shoutPayload(t, "c"))
				require.NoError(t, err)
				data, err := encoding.CBOR.Marshal(echoPack{Entries: []echoEntry{{Sender: net.ids[2], Part: part}}})
				require.NoError(t, err)
				return data
			},
			echoSender: func(net *testNet) protocol.PartyID { return net.ids[2] },
		},
		{
			name: "echo from another round",
			pack: func(t *testing.T, net *testNet) []byte {
				part, err := signPart(net.params[2], PartEcho, Metadata{SessionID: net.sid, Round: protocol.NewRoundID(2)}, shoutPayload(t, "c"))
				require.NoError(t, err)
				data, err := encoding.CBOR.Marshal(echoPack{Entries: []echoEntry{{Sender: net.ids[2], Part: part}}})
				require.NoError(t, err)
				return data
			},
			echoSender: func(net *testNet) protocol.PartyID { return net.ids[2] },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := setup(t)
			a, b := net.ids[0], net.session(1)

			msg := forge(t, net.params[0], net.sid, echoRoundID, b.PartyID(), tt.pack(t, net))
			assert.Equal(t, StatusRejected, b.ProcessMessage(msg).Status)

			report := b.Terminate()
			require.Contains(t, report.ProvableErrors, a)
			ev := report.ProvableErrors[a]
			assert.Equal(t, KindInvalidEchoPack, ev.Kind)
			assert.Equal(t, echoRoundID, ev.Round)
			assert.Equal(t, tt.echoSender(net), ev.EchoSender)
			assert.NotContains(t, ev.Description, "()")

			verifier := net.params[2].VerifierParameters()
			require.NoError(t, ev.Verify(shoutProtocol{}, verifier, nil))

			data, err := ev.Encode(verifier)
			require.NoError(t, err)
			decoded, err := DecodeEvidence(verifier, data)
			require.NoError(t, err)
			require.NoError(t, decoded.Verify(shoutProtocol{}, verifier, nil))

			// naming a party that is not in the pack proves nothing
			decoded.EchoSender = b.PartyID()
			assert.ErrorIs(t, decoded.Verify(shoutProtocol{}, verifier, nil), ErrEvidenceNotProven)
		})
	}

	t.Run("well formed pack proves nothing", func(t *testing.T) {
		net := setup(t)
		empty, err := encoding.CBOR.Marshal(echoPack{})
		require.NoError(t, err)
		msg := forge(t, net.params[0], net.sid, echoRoundID, net.ids[1], empty)

		normal := msg.Normal
		ev := &Evidence{
			Guilty: net.ids[0],
			Round:  echoRoundID,
			Kind:   KindInvalidEchoPack,
			Parts:  PartBundle{Normal: &normal},
		}
		assert.ErrorIs(t, ev.Verify(shoutProtocol{}, net.params[2].VerifierParameters(), nil), ErrEvidenceNotProven)

		ev.Round = round1
		assert.ErrorIs(t, ev.Verify(shoutProtocol{}, net.params[2].VerifierParameters(), nil), ErrEvidenceNotProven)
	})
}

func TestSession_ThresholdRound(t *testing.T) {
	invalid := func(t *testing.T, net *testNet, from int, to protocol.PartyID) *Message {
		return forgeParts(t, net.params[from], net.sid, round1, to, protocol.ProtocolMessage{
			Echo: protocol.EchoBroadcast{Payload: []byte{0xff, 0x00}},
		})
	}

	t.Run("finishes without a banned party", func(t *testing.T) {
		net := newTestNet(t, 4, shouting(shoutEntry{threshold: 2}))
		a := net.ids[0]
		net.session(0).Outbound()
		for _, id := range net.ids[1:] {
			assert.Equal(t, StatusRejected, net.sessions[id].ProcessMessage(invalid(t, net, 0, id)).Status)
		}
		net.run(t, nil)

		for _, id := range net.ids[1:] {
			report, err := net.sessions[id].TakeResult()
			require.NoError(t, err)
			assert.Equal(t, OutcomeResult, report.Outcome)
			assert.Equal(t, 2, report.Result)
			require.Contains(t, report.ProvableErrors, a)
			assert.Equal(t, KindInvalidEchoBroadcast, report.ProvableErrors[a].Kind)
		}
	})

	t.Run("never when too many parties are banned", func(t *testing.T) {
		net := newTestNet(t, 4, shouting(shoutEntry{threshold: 2}))
		b := net.session(1)

		assert.Equal(t, StatusRejected, b.ProcessMessage(invalid(t, net, 0, b.PartyID())).Status)
		assert.False(t, b.IsFinished())
		assert.Equal(t, NotYet, b.CanFinalize())

		assert.Equal(t, StatusRejected, b.ProcessMessage(invalid(t, net, 2, b.PartyID())).Status)
		require.True(t, b.IsFinished())
		assert.Equal(t, Never, b.CanFinalize())

		report, err := b.TakeResult()
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotEnoughMessages, report.Outcome)
		assert.Len(t, report.ProvableErrors, 2)
		assert.Contains(t, report.MissingMessages[round1], net.ids[3])
	})
}
