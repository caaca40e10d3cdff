// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport moves encoded session messages between parties. The
// session engine never touches a transport itself; the runner does. Three
// implementations are provided: an in-process Hub for tests, NATS subjects
// and direct TCP connections.
package transport

import (
	"context"
	"errors"

	"github.com/luxfi/rounds/pkg/protocol"
)

var (
	ErrClosed       = errors.New("transport: connection closed")
	ErrPeerNotFound = errors.New("transport: peer not found")
	ErrUnknownKind  = errors.New("transport: unknown transport kind")
)

// Envelope is one received message. From is whatever the delivering layer
// claims; it is checked against the message signatures by the session.
type Envelope struct {
	From protocol.PartyID `json:"from" cbor:"1,keyasint"`
	Data []byte           `json:"data" cbor:"2,keyasint"`
}

// Transport delivers opaque messages between the parties of one run.
type Transport interface {
	// Send delivers data to one party. It may block until the peer is
	// reachable or ctx is done.
	Send(ctx context.Context, to protocol.PartyID, data []byte) error

	// Receive blocks until a message arrives, ctx is done or the transport is
	// closed.
	Receive(ctx context.Context) (Envelope, error)

	Close() error
}

// Broadcast sends data to every party in to, collecting all failures.
func Broadcast(ctx context.Context, t Transport, to []protocol.PartyID, data []byte) error {
	var errs []error
	for _, id := range to {
		if err := t.Send(ctx, id, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
