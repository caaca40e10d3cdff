// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/luxfi/rounds/pkg/protocol"
)

// HubOption configures a Hub
type HubOption func(*Hub)

// WithShuffle makes the hub deliver each party's pending messages in random
// order instead of arrival order.
func WithShuffle(seed uint64) HubOption {
	return func(h *Hub) {
		h.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithDuplicates makes the hub deliver every message twice.
func WithDuplicates() HubOption {
	return func(h *Hub) {
		h.duplicate = true
	}
}

// Hub connects in-process endpoints. It is used by tests and by local runs of
// the daemon.
type Hub struct {
	mu        sync.Mutex
	endpoints map[protocol.PartyID]*Endpoint
	rng       *rand.Rand
	duplicate bool
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{endpoints: make(map[protocol.PartyID]*Endpoint)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join registers a party and returns its endpoint. Joining twice returns the
// same endpoint.
func (h *Hub) Join(id protocol.PartyID) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{id: id, hub: h, notify: make(chan struct{}, 1), done: make(chan struct{})}
	h.endpoints[id] = ep
	return ep
}

func (h *Hub) deliver(from, to protocol.PartyID, data []byte) error {
	h.mu.Lock()
	ep, ok := h.endpoints[to]
	h.mu.Unlock()
	if !ok {
		return ErrPeerNotFound
	}
	env := Envelope{From: from, Data: slices.Clone(data)}
	ep.push(env)
	if h.duplicate {
		ep.push(env)
	}
	return nil
}

func (h *Hub) pick(n int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rng == nil {
		return 0
	}
	return h.rng.IntN(n)
}

// Endpoint is one party's view of a Hub. Sends never block.
type Endpoint struct {
	id  protocol.PartyID
	hub *Hub

	mu     sync.Mutex
	queue  []Envelope
	notify chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func (e *Endpoint) push(env Envelope) {
	e.mu.Lock()
	e.queue = append(e.queue, env)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Endpoint) Send(ctx context.Context, to protocol.PartyID, data []byte) error {
	select {
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return e.hub.deliver(e.id, to, data)
}

func (e *Endpoint) Receive(ctx context.Context) (Envelope, error) {
	for {
		e.mu.Lock()
		if n := len(e.queue); n > 0 {
			i := e.hub.pick(n)
			env := e.queue[i]
			e.queue = slices.Delete(e.queue, i, i+1)
			e.mu.Unlock()
			return env, nil
		}
		e.mu.Unlock()

		select {
		case <-e.notify:
		case <-e.done:
			return Envelope{}, ErrClosed
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}
