// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/rounds/pkg/logger"
	"github.com/luxfi/rounds/pkg/protocol"
)

const (
	// headerFrom carries the sending party on every published message
	headerFrom = "Rounds-From"

	defaultSubjectPrefix = "rounds"
)

// NATSConfig configures a NATS transport
type NATSConfig struct {
	URL string

	// Subject prefix; messages for a party go to <prefix>.<session>.<party>
	Prefix string

	// Session scopes subjects so that concurrent runs never see each other
	Session string

	PartyID protocol.PartyID

	ConnectAttempts uint
	InboxSize       int

	Options []nats.Option
}

// NATS publishes each message to the recipient's subject.
type NATS struct {
	config NATSConfig
	conn   *nats.Conn
	owned  bool
	sub    *nats.Subscription
	inbox  chan *nats.Msg
	closed atomic.Bool
	done   chan struct{}
}

// ConnectNATS dials the server with retries and subscribes to this party's
// subject.
func ConnectNATS(ctx context.Context, config NATSConfig) (*NATS, error) {
	opts := append([]nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}, config.Options...)

	attempts := config.ConnectAttempts
	if attempts == 0 {
		attempts = 5
	}

	var conn *nats.Conn
	err := retry.Do(
		func() error {
			var err error
			conn, err = nats.Connect(config.URL, opts...)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Failed to connect to NATS, retrying", "attempt", n+1, "url", config.URL, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	t, err := NewNATS(conn, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// NewNATS uses an existing connection. The connection stays open on Close.
func NewNATS(conn *nats.Conn, config NATSConfig) (*NATS, error) {
	if config.Prefix == "" {
		config.Prefix = defaultSubjectPrefix
	}
	if config.Session == "" {
		return nil, fmt.Errorf("transport: nats session is required")
	}
	if config.InboxSize <= 0 {
		config.InboxSize = 1024
	}

	t := &NATS{
		config: config,
		conn:   conn,
		inbox:  make(chan *nats.Msg, config.InboxSize),
		done:   make(chan struct{}),
	}
	sub, err := conn.ChanSubscribe(t.subject(config.PartyID), t.inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	t.sub = sub
	if err := conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return t, nil
}

func (t *NATS) subject(id protocol.PartyID) string {
	return fmt.Sprintf("%s.%s.%s", t.config.Prefix, t.config.Session, id)
}

func (t *NATS) Send(ctx context.Context, to protocol.PartyID, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(t.subject(to))
	msg.Header.Set(headerFrom, string(t.config.PartyID))
	msg.Data = data
	return t.conn.PublishMsg(msg)
}

func (t *NATS) Receive(ctx context.Context) (Envelope, error) {
	select {
	case msg := <-t.inbox:
		return Envelope{From: protocol.PartyID(msg.Header.Get(headerFrom)), Data: msg.Data}, nil
	case <-t.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *NATS) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)
	err := t.sub.Unsubscribe()
	if t.owned {
		t.conn.Close()
	}
	return err
}
