package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rounds/pkg/config"
	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/protocols/commitreveal"
	"github.com/luxfi/rounds/pkg/session"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Environment:  config.EnvDevelopment,
		NodeName:     "test-node",
		Scheme:       "ed25519",
		Hash:         "sha256",
		Format:       "cbor",
		Policy:       "tolerate",
		RoundTimeout: 2 * time.Second,
		Transport:    config.TransportConfig{Kind: config.TransportMemory},
		Store: config.StoreConfig{
			Path:         filepath.Join(dir, "db"),
			BackupDir:    filepath.Join(dir, "backups"),
			BackupPeriod: time.Minute,
			Password:     "test-password",
		},
	}
}

func runTestDemo(t *testing.T, cfg *config.Config, opts demoOptions) map[protocol.PartyID]partyReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reports, err := runDemo(ctx, cfg, opts)
	require.NoError(t, err)
	return reports
}

func TestRunDemo_Honest(t *testing.T) {
	cfg := testConfig(t)
	reports := runTestDemo(t, cfg, demoOptions{parties: 3, malicious: "honest", transport: config.TransportMemory, shuffle: true})
	require.Len(t, reports, 3)
	for _, pr := range reports {
		assert.True(t, pr.report.Succeeded(), pr.report.Brief())
		assert.Empty(t, pr.report.ProvableErrors)
	}
}

func TestRunDemo_Validation(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	_, err := runDemo(ctx, cfg, demoOptions{parties: 1, transport: config.TransportMemory})
	require.Error(t, err)
	_, err = runDemo(ctx, cfg, demoOptions{parties: 3, malicious: "sneaky", transport: config.TransportMemory})
	require.Error(t, err)
	_, err = runDemo(ctx, cfg, demoOptions{parties: 3, policy: "lenient", transport: config.TransportMemory})
	require.Error(t, err)
	_, err = runDemo(ctx, cfg, demoOptions{parties: 3, transport: "carrier-pigeon"})
	require.Error(t, err)
}

func TestRunDemo_EquivocationSavedAndVerified(t *testing.T) {
	cfg := testConfig(t)
	reports := runTestDemo(t, cfg, demoOptions{
		parties:   4,
		threshold: 3,
		malicious: "equivocate",
		transport: config.TransportMemory,
	})
	require.Len(t, reports, 4)

	var (
		accuser   partyReport
		accuserID protocol.PartyID
	)
	for id, pr := range reports {
		if len(pr.report.ProvableErrors) > 0 {
			accuser, accuserID = pr, id
			break
		}
	}
	require.NotNil(t, accuser.report, "no party produced evidence")
	assert.Equal(t, session.OutcomeResult, accuser.report.Outcome)

	liar := accuser.report.Accused()[0]
	ev := accuser.report.ProvableErrors[liar]
	data, err := ev.Encode(accuser.params)
	require.NoError(t, err)
	verified, err := verifyEvidence(commitreveal.Protocol{}, accuser.params, data, nil)
	require.NoError(t, err)
	assert.Equal(t, session.KindMismatchedBroadcasts, verified.Kind)

	t.Run("saved reports can be exported and re-verified", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, saveReports(ctx, cfg, map[protocol.PartyID]partyReport{accuserID: accuser}))

		honest := runTestDemo(t, cfg, demoOptions{parties: 2, transport: config.TransportMemory})
		require.NoError(t, saveReports(ctx, cfg, honest))

		store, err := openStore(cfg)
		require.NoError(t, err)
		defer store.Close()

		exportDir := filepath.Join(t.TempDir(), "export")
		require.NoError(t, showReport(store, accuser.report.SessionID, string(accuserID), exportDir))

		files, err := filepath.Glob(filepath.Join(exportDir, "*.cbor"))
		require.NoError(t, err)
		require.Len(t, files, 1)
		exported, err := os.ReadFile(files[0])
		require.NoError(t, err)
		_, err = verifyEvidence(commitreveal.Protocol{}, accuser.params, exported, nil)
		require.NoError(t, err)

		listed, err := store.ListReports()
		require.NoError(t, err)
		assert.Len(t, listed, 3)
		assert.NotEmpty(t, store.Exec.SortedEncryptedBackups())
	})
}

func TestRunDemo_TwiceWrongReveal(t *testing.T) {
	cfg := testConfig(t)
	reports := runTestDemo(t, cfg, demoOptions{
		parties:   4,
		threshold: 3,
		malicious: "wrong-reveal",
		transport: config.TransportMemory,
		twice:     true,
	})
	require.Len(t, reports, 4)

	var accuser partyReport
	for _, pr := range reports {
		if len(pr.report.ProvableErrors) > 0 {
			accuser = pr
			break
		}
	}
	require.NotNil(t, accuser.report, "no party produced evidence")
	assert.Equal(t, session.OutcomeResult, accuser.report.Outcome)
	assert.Equal(t, commitreveal.TwiceProtocol.Name(), accuser.protocol)

	ev := accuser.report.ProvableErrors[accuser.report.Accused()[0]]
	assert.Equal(t, protocol.NewRoundID(4), ev.Round)
	data, err := ev.Encode(accuser.params)
	require.NoError(t, err)

	_, err = verifyEvidence(evidenceProtocol(true), accuser.params, data, nil)
	require.NoError(t, err)
	_, err = verifyEvidence(evidenceProtocol(false), accuser.params, data, nil)
	require.ErrorIs(t, err, session.ErrEvidenceNotProven)
}

func TestVerifyEvidence_Garbage(t *testing.T) {
	cfg := testConfig(t)
	params, err := cfg.VerifierParameters()
	require.NoError(t, err)
	_, err = verifyEvidence(commitreveal.Protocol{}, params, []byte("not evidence"), nil)
	require.Error(t, err)
}

func TestReadEvidence(t *testing.T) {
	cfg := testConfig(t)
	_, err := readEvidence(cfg, "", "")
	require.Error(t, err)
	_, err = readEvidence(cfg, "a", "b")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "ev.cbor")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0600))
	data, err := readEvidence(cfg, path, "")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestOpenStore_RequiresPassword(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Password = ""
	_, err := openStore(cfg)
	require.ErrorIs(t, err, errNoStorePassword)
}

func TestAbbrev(t *testing.T) {
	assert.Equal(t, "abc", abbrev("abc", 8))
	assert.Equal(t, "abcd", abbrev("abcdefgh", 4))
}
