package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rounds/pkg/encoding"
	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/signing"
)

func TestReport_Succeeded(t *testing.T) {
	evidence := map[protocol.PartyID]*Evidence{"aa": {Guilty: "aa", Kind: KindEquivocation}}

	tests := []struct {
		name   string
		report Report
		want   bool
	}{
		{"result", Report{Outcome: OutcomeResult}, true},
		{"result with evidence, tolerant", Report{Outcome: OutcomeResult, ProvableErrors: evidence}, true},
		{"result with evidence, strict", Report{Outcome: OutcomeResult, ProvableErrors: evidence, Policy: StrictNoEvidence}, false},
		{"result, strict", Report{Outcome: OutcomeResult, Policy: StrictNoEvidence}, true},
		{"not enough messages", Report{Outcome: OutcomeNotEnoughMessages}, false},
		{"misbehavior", Report{Outcome: OutcomeMisbehavior, ProvableErrors: evidence}, false},
		{"failed", Report{Outcome: OutcomeFailed, Err: protocol.NewLocalError("boom")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.report.Succeeded())
		})
	}
}

func TestReport_Accused(t *testing.T) {
	r := Report{ProvableErrors: map[protocol.PartyID]*Evidence{"cc": {}, "aa": {}, "bb": {}}}
	assert.Equal(t, []protocol.PartyID{"aa", "bb", "cc"}, r.Accused())
	assert.Empty(t, (&Report{}).Accused())
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("strict")
	require.NoError(t, err)
	assert.Equal(t, StrictNoEvidence, p)

	p, err = ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, TolerateMisbehavior, p)

	_, err = ParseFailurePolicy("lenient")
	assert.Error(t, err)
}

func TestReport_Record(t *testing.T) {
	params := signing.Parameters{Format: encoding.CBOR}
	report := &Report{
		SessionID: SessionID{1, 2, 3},
		Outcome:   OutcomeResult,
		Result:    []byte("value"),
		ProvableErrors: map[protocol.PartyID]*Evidence{
			"bb": {Guilty: "bb", Kind: KindEquivocation},
			"aa": {Guilty: "aa", Kind: KindMismatchedBroadcasts},
		},
		UnprovableErrors: map[protocol.PartyID]protocol.RemoteError{"cc": protocol.NewRemoteError("bad")},
		MissingMessages:  map[protocol.RoundID][]protocol.PartyID{protocol.NewRoundID(2): {"dd"}},
		Policy:           StrictNoEvidence,
	}

	rec, err := report.Record(params)
	require.NoError(t, err)
	assert.Equal(t, "result", rec.Outcome)
	assert.False(t, rec.Succeeded)
	require.Len(t, rec.Evidence, 2)
	assert.Equal(t, protocol.PartyID("aa"), rec.Evidence[0].Guilty)
	assert.Equal(t, "bad", rec.Unprovable["cc"])
	assert.Equal(t, []string{"dd"}, rec.Missing["R2"])

	var value []byte
	require.NoError(t, encoding.CBOR.Unmarshal(rec.Result, &value))
	assert.Equal(t, []byte("value"), value)
}
