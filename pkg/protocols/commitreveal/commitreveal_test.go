package commitreveal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rounds/pkg/encoding"
	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/protocols/commitreveal"
	"github.com/luxfi/rounds/pkg/runner"
	"github.com/luxfi/rounds/pkg/session"
	"github.com/luxfi/rounds/pkg/signing"
	"github.com/luxfi/rounds/pkg/transport"
)

func newParams(t *testing.T, n int) ([]signing.Parameters, []protocol.PartyID) {
	t.Helper()
	params := make([]signing.Parameters, n)
	ids := make([]protocol.PartyID, n)
	for i := range params {
		signer, err := signing.SchnorrScheme{}.GenerateSigner()
		require.NoError(t, err)
		params[i] = signing.Parameters{
			Signer:   signer,
			Verifier: signing.SchnorrScheme{},
			Hasher:   signing.BLAKE3,
			Format:   encoding.CBOR,
		}
		ids[i] = signer.ID()
	}
	return params, ids
}

// run executes one commit-reveal session with party 0 behaving as b.
func run(t *testing.T, threshold int, b commitreveal.Behavior, hubOpts ...transport.HubOption) ([]signing.Parameters, []protocol.PartyID, map[protocol.PartyID]*session.Report) {
	t.Helper()
	params, ids := newParams(t, 4)
	parties := make([]runner.LocalParty, len(params))
	for i, p := range params {
		var entry protocol.EntryPoint = commitreveal.NewEntryPoint(ids, threshold)
		var opts []runner.Option
		if i == 0 && b != commitreveal.Honest {
			entry = commitreveal.NewMaliciousEntry(commitreveal.NewEntryPoint(ids, threshold), b)
			opts = append(opts, runner.WithTamper(commitreveal.Tamper(b, p)))
		}
		parties[i] = runner.LocalParty{Params: p, Entry: entry, Options: opts}
	}
	return params, ids, runLocal(t, commitreveal.Name, parties, hubOpts...)
}

// runTwice executes two chained coin flips with party 0 behaving as second
// in the second one.
func runTwice(t *testing.T, threshold int, second commitreveal.Behavior) ([]signing.Parameters, []protocol.PartyID, map[protocol.PartyID]*session.Report) {
	t.Helper()
	params, ids := newParams(t, 4)
	parties := make([]runner.LocalParty, len(params))
	for i, p := range params {
		join := commitreveal.Rerun{Threshold: threshold}
		if i == 0 {
			join.Behavior = second
		}
		parties[i] = runner.LocalParty{Params: p, Entry: commitreveal.Twice(commitreveal.NewEntryPoint(ids, threshold), join)}
	}
	return params, ids, runLocal(t, commitreveal.TwiceProtocol.Name(), parties)
}

func runLocal(t *testing.T, name string, parties []runner.LocalParty, hubOpts ...transport.HubOption) map[protocol.PartyID]*session.Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reports, err := runner.RunLocal(ctx, runner.LocalConfig{
		ProtocolName: name,
		Connect:      runner.HubConnector(transport.NewHub(hubOpts...)),
		Options:      []runner.Option{runner.WithRoundTimeout(2 * time.Second)},
	}, parties)
	require.NoError(t, err)
	require.Len(t, reports, len(parties))
	return reports
}

func output(t *testing.T, r *session.Report) commitreveal.Output {
	t.Helper()
	out, ok := r.Result.(commitreveal.Output)
	require.True(t, ok, "result is %T", r.Result)
	return out
}

func TestCommitReveal_Honest(t *testing.T) {
	_, ids, reports := run(t, 4, commitreveal.Honest)

	first := output(t, reports[ids[0]])
	assert.Len(t, first.Value, 32)
	assert.ElementsMatch(t, ids, first.Parties)
	for _, id := range ids {
		r := reports[id]
		require.True(t, r.Succeeded(), r.Brief())
		assert.Empty(t, r.ProvableErrors)
		assert.Empty(t, r.UnprovableErrors)
		assert.Equal(t, first, output(t, r))
	}
}

func TestCommitReveal_HonestReordered(t *testing.T) {
	_, ids, reports := run(t, 3, commitreveal.Honest, transport.WithShuffle(42), transport.WithDuplicates())

	first := output(t, reports[ids[0]])
	for _, id := range ids[1:] {
		assert.Equal(t, first, output(t, reports[id]))
	}
}

func TestCommitReveal_EquivocationTolerated(t *testing.T) {
	params, ids, reports := run(t, 3, commitreveal.EquivocateCommitment)
	liar := ids[0]

	honest := ids[1:]
	first := output(t, reports[honest[0]])
	assert.ElementsMatch(t, honest, first.Parties)

	for _, id := range honest {
		r := reports[id]
		require.Equal(t, session.OutcomeResult, r.Outcome, r.Brief())
		assert.Equal(t, first, output(t, r))
		assert.Equal(t, []protocol.PartyID{liar}, r.Accused())

		ev := r.ProvableErrors[liar]
		require.NotNil(t, ev)
		assert.Equal(t, session.KindMismatchedBroadcasts, ev.Kind)

		// An auditor holding only public parameters reaches the same verdict.
		data, err := ev.Encode(params[1])
		require.NoError(t, err)
		decoded, err := session.DecodeEvidence(params[1].VerifierParameters(), data)
		require.NoError(t, err)
		require.NoError(t, decoded.Verify(commitreveal.Protocol{}, params[1].VerifierParameters(), nil))
	}

	strict := *reports[honest[0]]
	strict.Policy = session.StrictNoEvidence
	assert.False(t, strict.Succeeded())
}

func TestCommitReveal_EquivocationAtFullThreshold(t *testing.T) {
	_, ids, reports := run(t, 4, commitreveal.EquivocateCommitment)
	liar := ids[0]

	for _, id := range ids[1:] {
		r := reports[id]
		assert.Equal(t, session.OutcomeNotEnoughMessages, r.Outcome, r.Brief())
		assert.False(t, r.Succeeded())
		require.Contains(t, r.ProvableErrors, liar)
		assert.Equal(t, session.KindMismatchedBroadcasts, r.ProvableErrors[liar].Kind)
	}
}

func TestCommitReveal_WrongReveal(t *testing.T) {
	params, ids, reports := run(t, 3, commitreveal.WrongReveal)
	liar := ids[0]

	for _, id := range ids[1:] {
		r := reports[id]
		require.Equal(t, session.OutcomeResult, r.Outcome, r.Brief())
		assert.NotContains(t, output(t, r).Parties, liar)

		ev := r.ProvableErrors[liar]
		require.NotNil(t, ev)
		assert.Equal(t, session.KindProtocol, ev.Kind)
		assert.Equal(t, protocol.NewRoundID(2), ev.Round)
		require.Len(t, ev.Previous, 1)
		assert.Equal(t, protocol.NewRoundID(1), ev.Previous[0].Round)
		require.NoError(t, ev.Verify(commitreveal.Protocol{}, params[1].VerifierParameters(), nil))

		// Pointing the evidence at another party breaks the signatures.
		forged := *ev
		forged.Guilty = id
		require.ErrorIs(t, forged.Verify(commitreveal.Protocol{}, params[1].VerifierParameters(), nil), session.ErrEvidenceNotProven)
	}
}

func TestCommitReveal_Twice(t *testing.T) {
	_, ids, reports := runTwice(t, 4, commitreveal.Honest)

	first := output(t, reports[ids[0]])
	assert.Len(t, first.Value, 32)
	assert.ElementsMatch(t, ids, first.Parties)
	for _, id := range ids {
		r := reports[id]
		require.True(t, r.Succeeded(), r.Brief())
		assert.Empty(t, r.ProvableErrors)
		assert.Equal(t, first, output(t, r))
	}
}

func TestCommitReveal_TwiceWrongReveal(t *testing.T) {
	params, ids, reports := runTwice(t, 3, commitreveal.WrongReveal)
	liar := ids[0]
	verifier := params[1].VerifierParameters()

	for _, id := range ids[1:] {
		r := reports[id]
		require.Equal(t, session.OutcomeResult, r.Outcome, r.Brief())
		assert.ElementsMatch(t, ids[1:], output(t, r).Parties)

		// the second run's reveal round is round 4 of the session
		ev := r.ProvableErrors[liar]
		require.NotNil(t, ev)
		assert.Equal(t, session.KindProtocol, ev.Kind)
		assert.Equal(t, protocol.NewRoundID(4), ev.Round)
		require.Len(t, ev.Previous, 1)
		assert.Equal(t, protocol.NewRoundID(3), ev.Previous[0].Round)

		data, err := ev.Encode(verifier)
		require.NoError(t, err)
		decoded, err := session.DecodeEvidence(verifier, data)
		require.NoError(t, err)
		require.NoError(t, decoded.Verify(commitreveal.TwiceProtocol, verifier, nil))

		// a single run has no round 4
		assert.ErrorIs(t, decoded.Verify(commitreveal.Protocol{}, verifier, nil), session.ErrEvidenceNotProven)
	}
}

func TestRerun_MakeEntryPoint(t *testing.T) {
	_, err := commitreveal.Rerun{Threshold: 2}.MakeEntryPoint("not an output")
	require.Error(t, err)

	out := commitreveal.Output{Parties: []protocol.PartyID{"a", "b"}}
	entry, err := commitreveal.Rerun{Threshold: 3}.MakeEntryPoint(out)
	require.NoError(t, err)
	require.IsType(t, &commitreveal.EntryPoint{}, entry)
	assert.Equal(t, 2, entry.(*commitreveal.EntryPoint).Threshold)
	assert.Equal(t, protocol.NewRoundID(1), entry.EntryRound())
}

func TestParseBehavior(t *testing.T) {
	tests := []struct {
		in      string
		want    commitreveal.Behavior
		wantErr bool
	}{
		{in: "", want: commitreveal.Honest},
		{in: "honest", want: commitreveal.Honest},
		{in: "wrong-reveal", want: commitreveal.WrongReveal},
		{in: "equivocate", want: commitreveal.EquivocateCommitment},
		{in: "lie", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := commitreveal.ParseBehavior(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, must(commitreveal.ParseBehavior(got.String())))
		})
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func TestNewEntryPoint_Validation(t *testing.T) {
	params, ids := newParams(t, 3)
	sid := session.FromSeed(signing.BLAKE3, commitreveal.Name, []byte("validation"))

	_, err := session.New(nil, sid, params[0], commitreveal.NewEntryPoint(ids[1:], 2))
	require.ErrorIs(t, err, commitreveal.ErrNotAParty)

	_, err = session.New(nil, sid, params[0], commitreveal.NewEntryPoint(ids, 4))
	require.ErrorIs(t, err, commitreveal.ErrBadThreshold)

	entry := commitreveal.NewEntryPoint(ids, 2)
	entry.Value = []byte("short")
	_, err = session.New(zeroReader{}, sid, params[0], entry)
	require.Error(t, err)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
