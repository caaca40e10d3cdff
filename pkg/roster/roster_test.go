package roster

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rounds/pkg/protocol"
)

type memKV struct {
	pairs map[string][]byte
	err   error
}

func (m *memKV) List(prefix string, _ *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error) {
	if m.err != nil {
		return nil, nil, m.err
	}
	var out api.KVPairs
	for k, v := range m.pairs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, &api.KVPair{Key: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, &api.QueryMeta{}, nil
}

func (m *memKV) Put(p *api.KVPair, _ *api.WriteOptions) (*api.WriteMeta, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.pairs[p.Key] = p.Value
	return &api.WriteMeta{}, nil
}

func testRoster() *Roster {
	return &Roster{Peers: []Peer{
		{Name: "node1", ID: "bb", Addr: "127.0.0.1:9001"},
		{Name: "node0", ID: "aa", Addr: "127.0.0.1:9000"},
		{Name: "node2", ID: "cc"},
	}}
}

func TestRoster_Validate(t *testing.T) {
	tests := []struct {
		name   string
		roster Roster
		err    error
	}{
		{"ok", *testRoster(), nil},
		{"empty", Roster{}, ErrEmptyRoster},
		{"missing id", Roster{Peers: []Peer{{Name: "a"}}}, ErrInvalidPeerRow},
		{"duplicate name", Roster{Peers: []Peer{{Name: "a", ID: "1"}, {Name: "a", ID: "2"}}}, ErrDuplicatePeer},
		{"duplicate id", Roster{Peers: []Peer{{Name: "a", ID: "1"}, {Name: "b", ID: "1"}}}, ErrDuplicatePeer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.roster.Validate()
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRoster_Helpers(t *testing.T) {
	r := testRoster()
	assert.Equal(t, []protocol.PartyID{"bb", "aa", "cc"}, r.IDs())

	set := r.IDSet(2)
	assert.Equal(t, 3, set.Len())
	assert.Equal(t, 2, set.Threshold())
	assert.True(t, r.IDSet(0).RequiresAll())

	p, err := r.Lookup("node0")
	require.NoError(t, err)
	assert.Equal(t, protocol.PartyID("aa"), p.ID)
	_, err = r.Lookup("node9")
	require.ErrorIs(t, err, ErrUnknownPeer)

	assert.Equal(t, map[protocol.PartyID]string{"bb": "127.0.0.1:9001"}, r.Addresses("aa"))
}

func TestRoster_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.json")
	require.NoError(t, testRoster().SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, testRoster(), loaded)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestRoster_Consul(t *testing.T) {
	kv := &memKV{pairs: map[string][]byte{}}
	require.NoError(t, testRoster().Publish(kv, "cluster"))
	assert.Contains(t, kv.pairs, "cluster/node0")

	loaded, err := LoadConsul(kv, "cluster/")
	require.NoError(t, err)
	require.Len(t, loaded.Peers, 3)
	assert.Equal(t, "node0", loaded.Peers[0].Name)
	assert.Equal(t, "127.0.0.1:9000", loaded.Peers[0].Addr)
	assert.Equal(t, "node2", loaded.Peers[2].Name)

	t.Run("empty prefix", func(t *testing.T) {
		_, err := LoadConsul(kv, "")
		require.ErrorIs(t, err, ErrEmptyRoster)
	})

	t.Run("kv error", func(t *testing.T) {
		boom := errors.New("boom")
		failing := &memKV{pairs: map[string][]byte{}, err: boom}
		require.ErrorIs(t, testRoster().Publish(failing, ""), boom)
		_, err := LoadConsul(failing, "")
		require.ErrorIs(t, err, boom)
	})
}
