// Package roster describes the parties of a deployment: who they are and
// where to reach them. A roster is read from a JSON file or from Consul KV.
package roster

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/consul/api"
	"github.com/samber/lo"

	"github.com/luxfi/rounds/pkg/logger"
	"github.com/luxfi/rounds/pkg/protocol"
)

// DefaultPrefix is the Consul KV folder rosters are published under.
const DefaultPrefix = "rounds_peers/"

var (
	ErrEmptyRoster    = errors.New("roster: no peers")
	ErrDuplicatePeer  = errors.New("roster: duplicate peer")
	ErrUnknownPeer    = errors.New("roster: unknown peer")
	ErrInvalidPeerRow = errors.New("roster: peer needs a name and an id")
)

// Peer is one party of the deployment.
type Peer struct {
	Name string           `json:"name"`
	ID   protocol.PartyID `json:"id"`
	// Addr is the TCP address, empty when the transport does not need one.
	Addr string `json:"addr,omitempty"`
}

type Roster struct {
	Peers []Peer `json:"peers"`
}

// Validate rejects empty rosters, incomplete rows and duplicate names or ids.
func (r *Roster) Validate() error {
	if len(r.Peers) == 0 {
		return ErrEmptyRoster
	}
	for _, p := range r.Peers {
		if p.Name == "" || p.ID == "" {
			return fmt.Errorf("%w: %+v", ErrInvalidPeerRow, p)
		}
	}
	if dup := lo.FindDuplicates(lo.Map(r.Peers, func(p Peer, _ int) string { return p.Name })); len(dup) > 0 {
		return fmt.Errorf("%w: name %s", ErrDuplicatePeer, strings.Join(dup, ", "))
	}
	if dup := lo.FindDuplicates(r.IDs()); len(dup) > 0 {
		return fmt.Errorf("%w: id %s", ErrDuplicatePeer, dup[0])
	}
	return nil
}

// IDs returns the party ids in roster order.
func (r *Roster) IDs() []protocol.PartyID {
	return lo.Map(r.Peers, func(p Peer, _ int) protocol.PartyID { return p.ID })
}

// IDSet returns the parties as a threshold set. threshold <= 0 means all.
func (r *Roster) IDSet(threshold int) protocol.IDSet {
	if threshold <= 0 {
		return protocol.NewIDSet(r.IDs())
	}
	return protocol.NewThresholdIDSet(r.IDs(), threshold)
}

// Lookup finds a peer by name.
func (r *Roster) Lookup(name string) (Peer, error) {
	p, ok := lo.Find(r.Peers, func(p Peer) bool { return p.Name == name })
	if !ok {
		return Peer{}, fmt.Errorf("%w: %s", ErrUnknownPeer, name)
	}
	return p, nil
}

// Addresses maps every peer other than self to its address, skipping
// peers without one.
func (r *Roster) Addresses(self protocol.PartyID) map[protocol.PartyID]string {
	out := make(map[protocol.PartyID]string)
	for _, p := range r.Peers {
		if p.ID != self && p.Addr != "" {
			out[p.ID] = p.Addr
		}
	}
	return out
}

// LoadFile reads a JSON roster.
func LoadFile(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Roster
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("roster: parse %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveFile writes the roster as indented JSON.
func (r *Roster) SaveFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// KV is the part of the Consul KV API the roster needs.
type KV interface {
	List(prefix string, q *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error)
	Put(p *api.KVPair, q *api.WriteOptions) (*api.WriteMeta, error)
}

func NewConsulClient(addr string) (*api.Client, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return client, nil
}

type consulPeer struct {
	ID   protocol.PartyID `json:"id"`
	Addr string           `json:"addr,omitempty"`
}

// Publish writes one key per peer, <prefix><name>.
func (r *Roster) Publish(kv KV, prefix string) error {
	if err := r.Validate(); err != nil {
		return err
	}
	prefix = normalizePrefix(prefix)
	for _, p := range r.Peers {
		value, err := json.Marshal(consulPeer{ID: p.ID, Addr: p.Addr})
		if err != nil {
			return err
		}
		if _, err := kv.Put(&api.KVPair{Key: prefix + p.Name, Value: value}, nil); err != nil {
			return fmt.Errorf("roster: publish %s: %w", p.Name, err)
		}
	}
	logger.Info("Published roster to consul", "prefix", prefix, "peers", len(r.Peers))
	return nil
}

// LoadConsul reads a roster written by Publish. Peers are ordered by name.
func LoadConsul(kv KV, prefix string) (*Roster, error) {
	prefix = normalizePrefix(prefix)
	pairs, _, err := kv.List(prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("roster: list %s: %w", prefix, err)
	}

	r := &Roster{}
	for _, pair := range pairs {
		name := strings.TrimPrefix(pair.Key, prefix)
		if name == "" {
			continue
		}
		var cp consulPeer
		if err := json.Unmarshal(pair.Value, &cp); err != nil {
			return nil, fmt.Errorf("roster: bad value for %s: %w", pair.Key, err)
		}
		r.Peers = append(r.Peers, Peer{Name: name, ID: cp.ID, Addr: cp.Addr})
	}
	sort.Slice(r.Peers, func(i, j int) bool { return r.Peers[i].Name < r.Peers[j].Name })

	if err := r.Validate(); err != nil {
		return nil, err
	}
	logger.Info("Loaded roster from consul", "peers", len(r.Peers))
	return r, nil
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
