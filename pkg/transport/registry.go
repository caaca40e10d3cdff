// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/luxfi/rounds/pkg/logger"
	"github.com/luxfi/rounds/pkg/protocol"
)

// PeerLister reports the parties a transport is currently connected to.
type PeerLister interface {
	Peers() []protocol.PartyID
}

// Registry tracks which of the expected peers are connected, so that a run
// only starts once every party can be reached.
type Registry struct {
	self     protocol.PartyID
	expected []protocol.PartyID
	lister   PeerLister
	interval time.Duration

	readyMu  sync.RWMutex
	readyMap map[protocol.PartyID]bool

	ready   atomic.Bool
	readyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry over the given parties. self is dropped
// from the expected set.
func NewRegistry(self protocol.PartyID, parties []protocol.PartyID, lister PeerLister) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		self:     self,
		expected: lo.Without(lo.Uniq(parties), self),
		lister:   lister,
		interval: 100 * time.Millisecond,
		readyMap: make(map[protocol.PartyID]bool),
		readyCh:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Watch starts polling the transport for connected peers
func (r *Registry) Watch() {
	r.wg.Add(1)
	go r.watchLoop()

	r.wg.Add(1)
	go r.logReadyStatus()
}

func (r *Registry) watchLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.checkPeerConnections()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.checkPeerConnections()
		}
	}
}

// checkPeerConnections updates ready status based on transport connections
func (r *Registry) checkPeerConnections() {
	connected := lo.Intersect(r.expected, r.lister.Peers())

	r.readyMu.Lock()
	defer r.readyMu.Unlock()

	for _, id := range connected {
		if !r.readyMap[id] {
			r.readyMap[id] = true
			logger.Info("Peer connected", "party", id.Short())
		}
	}
	for id, ready := range r.readyMap {
		if ready && !slices.Contains(connected, id) {
			r.readyMap[id] = false
			logger.Warn("Peer disconnected", "party", id.Short())
		}
	}

	// Readiness latches: a run in progress rides out reconnects.
	if len(connected) == len(r.expected) && !r.ready.Swap(true) {
		logger.Info("All peers are ready", "peers", len(r.expected))
		close(r.readyCh)
	}
}

func (r *Registry) logReadyStatus() {
	defer r.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if !r.ArePeersReady() {
				logger.Info("Peers not ready",
					"ready", r.ReadyCount(),
					"expected", len(r.expected)+1,
				)
			}
		}
	}
}

// WaitReady blocks until every expected peer has connected once.
func (r *Registry) WaitReady(ctx context.Context) error {
	select {
	case <-r.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrClosed
	}
}

// ArePeersReady returns true if all peers are ready
func (r *Registry) ArePeersReady() bool {
	return r.ready.Load()
}

// ReadyCount returns the number of connected parties, self included
func (r *Registry) ReadyCount() int {
	r.readyMu.RLock()
	defer r.readyMu.RUnlock()
	return 1 + len(lo.PickByValues(r.readyMap, []bool{true}))
}

// ReadyParties returns connected parties including self, sorted
func (r *Registry) ReadyParties() []protocol.PartyID {
	r.readyMu.RLock()
	defer r.readyMu.RUnlock()

	peers := append(lo.Keys(lo.PickByValues(r.readyMap, []bool{true})), r.self)
	slices.Sort(peers)
	return peers
}

// Close stops the registry
func (r *Registry) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}
