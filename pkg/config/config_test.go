package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rounds/pkg/session"
)

const testYAML = `
environment: production
node_name: node2
scheme: schnorr
hash: blake3
format: json
policy: strict
round_timeout: 45s
transport:
  kind: tcp
  listen: 127.0.0.1:9702
  peers:
    - aa@127.0.0.1:9700
    - bb@127.0.0.1:9701
roster:
  source: consul
  consul_addr: 127.0.0.1:8500
store:
  path: /var/lib/rounds/db
  backup_period: 1m
archive:
  endpoint: minio:9000
  bucket: evidence
  use_ssl: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	t.Chdir(t.TempDir())
	require.NoError(t, Configure(v, ""))

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "ed25519", cfg.Scheme)
	assert.Equal(t, "cbor", cfg.Format)
	assert.Equal(t, 30*time.Second, cfg.RoundTimeout)
	assert.Equal(t, TransportMemory, cfg.Transport.Kind)
	assert.Equal(t, 5*time.Minute, cfg.Store.BackupPeriod)
	assert.False(t, cfg.Archive.Enabled())

	policy, err := cfg.FailurePolicy()
	require.NoError(t, err)
	assert.Equal(t, session.TolerateMisbehavior, policy)
}

func TestLoad_File(t *testing.T) {
	v := viper.New()
	require.NoError(t, Configure(v, writeConfig(t, testYAML)))

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, EnvProduction, cfg.Environment)
	assert.Equal(t, "node2", cfg.NodeName)
	assert.Equal(t, 45*time.Second, cfg.RoundTimeout)
	assert.Equal(t, TransportTCP, cfg.Transport.Kind)
	assert.Equal(t, RosterConsul, cfg.Roster.Source)
	assert.Equal(t, time.Minute, cfg.Store.BackupPeriod)
	assert.Equal(t, "evidence", cfg.Archive.Bucket)
	assert.False(t, cfg.Archive.UseSSL)
	assert.True(t, cfg.Archive.Enabled())

	peers, err := cfg.PeerAddresses()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"aa": "127.0.0.1:9700", "bb": "127.0.0.1:9701"}, peers)

	params, err := cfg.VerifierParameters()
	require.NoError(t, err)
	assert.Equal(t, "blake3", params.Hasher.Name())
	assert.Equal(t, "json", params.Format.Name())
	assert.Nil(t, params.Signer)

	policy, err := cfg.FailurePolicy()
	require.NoError(t, err)
	assert.Equal(t, session.StrictNoEvidence, policy)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ROUNDS_TRANSPORT_KIND", "nats")
	t.Setenv("ROUNDS_STORE_PASSWORD", "hunter2")
	t.Setenv("ROUNDS_ROUND_TIMEOUT", "2s")
	t.Setenv("ROUNDS_TRANSPORT_PEERS", "aa@h1:1,bb@h2:2")

	v := viper.New()
	require.NoError(t, Configure(v, writeConfig(t, testYAML)))
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, TransportNATS, cfg.Transport.Kind)
	assert.Equal(t, "hunter2", cfg.Store.Password)
	assert.Equal(t, 2*time.Second, cfg.RoundTimeout)
	assert.Equal(t, []string{"aa@h1:1", "bb@h2:2"}, cfg.Transport.Peers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"environment", "environment: staging"},
		{"transport", "transport:\n  kind: carrier-pigeon"},
		{"roster", "roster:\n  source: etcd"},
		{"policy", "policy: lenient"},
		{"scheme", "scheme: rsa"},
		{"hash", "hash: md5"},
		{"format", "format: xml"},
		{"timeout", "round_timeout: -1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			require.NoError(t, Configure(v, writeConfig(t, tt.yaml)))
			_, err := LoadFrom(v)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestConfigure_MissingExplicitFile(t *testing.T) {
	require.Error(t, Configure(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestPeerAddresses_Invalid(t *testing.T) {
	cfg := &Config{Transport: TransportConfig{Peers: []string{"no-at-sign"}}}
	_, err := cfg.PeerAddresses()
	require.ErrorIs(t, err, ErrInvalidConfig)
}
