// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"

	"github.com/luxfi/rounds/pkg/logger"
	"github.com/luxfi/rounds/pkg/protocol"
)

// TCPConfig holds TCP transport configuration
type TCPConfig struct {
	// PartyID is this party's identifier
	PartyID protocol.PartyID

	// ListenAddr is the address to listen on (e.g., ":9651")
	ListenAddr string

	// Peers maps party IDs to their addresses
	Peers map[protocol.PartyID]string

	// ReadTimeout for reading frames
	ReadTimeout time.Duration

	// SendAttempts bounds how often Send waits for a missing peer connection
	SendAttempts uint

	// SendRetryDelay is the initial wait between send attempts
	SendRetryDelay time.Duration

	// BufferSize for read/write buffers
	BufferSize int

	// InboxSize is the number of received messages buffered before reads block
	InboxSize int
}

// DefaultTCPConfig returns sensible defaults
func DefaultTCPConfig() *TCPConfig {
	return &TCPConfig{
		ReadTimeout:    5 * time.Minute,
		SendAttempts:   10,
		SendRetryDelay: 200 * time.Millisecond,
		BufferSize:     64 * 1024,
		InboxSize:      1024,
	}
}

// TCP keeps one connection per peer. Simultaneous dials are resolved in
// favour of the party with the lower id.
type TCP struct {
	config *TCPConfig

	listener net.Listener

	peersMu sync.RWMutex
	peers   map[protocol.PartyID]*peerConn

	inbox chan Envelope

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type peerConn struct {
	partyID protocol.PartyID
	addr    string
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewTCP creates a TCP transport. Call Start before use.
func NewTCP(config *TCPConfig) (*TCP, error) {
	if config == nil {
		config = DefaultTCPConfig()
	}
	if config.PartyID == "" {
		return nil, errors.New("transport: party id is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 64 * 1024
	}
	if config.InboxSize <= 0 {
		config.InboxSize = 1024
	}
	if config.SendAttempts == 0 {
		config.SendAttempts = 1
	}

	return &TCP{
		config: config,
		peers:  make(map[protocol.PartyID]*peerConn),
		inbox:  make(chan Envelope, config.InboxSize),
		done:   make(chan struct{}),
	}, nil
}

// Start starts the listener and dials every peer
func (t *TCP) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", t.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	t.listener = listener

	logger.Info("Transport listening", "addr", listener.Addr().String())

	t.wg.Add(1)
	go t.acceptLoop(ctx)

	for partyID, addr := range t.config.Peers {
		if partyID == t.config.PartyID {
			continue
		}
		t.wg.Add(1)
		go t.connectToPeer(ctx, partyID, addr)
	}

	return nil
}

// Addr is the bound listen address, useful with ":0".
func (t *TCP) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Close stops the transport
func (t *TCP) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	if t.listener != nil {
		t.listener.Close()
	}

	t.peersMu.Lock()
	for _, peer := range t.peers {
		peer.close()
	}
	t.peers = make(map[protocol.PartyID]*peerConn)
	t.peersMu.Unlock()

	t.wg.Wait()
	return nil
}

func (t *TCP) acceptLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		conn, err := t.listener.Accept()
		if err != nil {
			if t.closed.Load() {
				return
			}
			logger.Error("Accept error", err)
			continue
		}

		t.wg.Add(1)
		go t.handleIncoming(ctx, conn)
	}
}

func (t *TCP) connectToPeer(ctx context.Context, partyID protocol.PartyID, addr string) {
	defer t.wg.Done()

	backoff := 100 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		// An inbound connection from the same peer may already exist
		t.peersMu.RLock()
		_, exists := t.peers[partyID]
		t.peersMu.RUnlock()
		if exists {
			t.sleep(ctx, time.Second)
			continue
		}

		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			logger.Debug("Failed to connect to peer", "party", partyID.Short(), "addr", addr, "err", err)
			t.sleep(ctx, backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 100 * time.Millisecond

		peer := t.newPeerConn(partyID, addr, conn)
		if err := t.sendHello(peer); err != nil {
			conn.Close()
			continue
		}
		if !t.addPeerTieBreak(peer, true) {
			conn.Close()
			logger.Debug("Outbound connection rejected (tie-break)", "party", partyID.Short())
			t.sleep(ctx, time.Second)
			continue
		}
		logger.Info("Connected to peer", "party", partyID.Short(), "addr", addr)

		t.handlePeer(ctx, peer)

		t.removePeerConn(peer)
		logger.Warn("Disconnected from peer", "party", partyID.Short())
	}
}

func (t *TCP) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-t.done:
	case <-timer.C:
	}
}

func (t *TCP) handleIncoming(ctx context.Context, conn net.Conn) {
	defer t.wg.Done()

	frameType, payload, err := ReadFrame(conn)
	if err != nil {
		logger.Error("Failed to read hello", err)
		conn.Close()
		return
	}
	if frameType != FrameHello {
		logger.Warn("Expected hello frame", "type", frameType)
		conn.Close()
		return
	}

	var hello Hello
	if err := hello.Unmarshal(payload); err != nil {
		logger.Error("Failed to unmarshal hello", err)
		conn.Close()
		return
	}

	peer := t.newPeerConn(hello.PartyID, conn.RemoteAddr().String(), conn)
	if !t.addPeerTieBreak(peer, false) {
		logger.Debug("Inbound connection rejected (tie-break)", "party", hello.PartyID.Short())
		conn.Close()
		return
	}
	logger.Info("Incoming connection from peer", "party", hello.PartyID.Short())

	t.handlePeer(ctx, peer)

	t.removePeerConn(peer)
}

// handlePeer reads frames from a peer connection until it fails
func (t *TCP) handlePeer(ctx context.Context, peer *peerConn) {
	// Keepalive pings every 30s prevent idle timeouts
	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case <-ticker.C:
				if err := peer.send(FramePing, nil); err != nil {
					return
				}
			}
		}
	}()
	defer close(pingDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		if t.config.ReadTimeout > 0 {
			peer.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		}

		frameType, payload, err := ReadFrame(peer.reader)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if !t.closed.Load() {
				logger.Error("Read error", err, "party", peer.partyID.Short())
			}
			return
		}

		switch frameType {
		case FrameRound:
			select {
			case t.inbox <- Envelope{From: peer.partyID, Data: payload}:
			case <-t.done:
				return
			case <-ctx.Done():
				return
			}
		case FramePing:
			peer.send(FramePong, nil)
		case FramePong:
		default:
			logger.Warn("Unknown frame type", "type", frameType, "party", peer.partyID.Short())
		}
	}
}

// Send writes data to the peer, waiting with backoff while no connection to
// it exists yet.
func (t *TCP) Send(ctx context.Context, to protocol.PartyID, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return retry.Do(
		func() error {
			t.peersMu.RLock()
			peer, ok := t.peers[to]
			t.peersMu.RUnlock()
			if !ok {
				return ErrPeerNotFound
			}
			return peer.send(FrameRound, data)
		},
		retry.Context(ctx),
		retry.Attempts(t.config.SendAttempts),
		retry.Delay(t.config.SendRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !t.closed.Load()
		}),
	)
}

func (t *TCP) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	case <-t.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *TCP) sendHello(peer *peerConn) error {
	hello := Hello{PartyID: t.config.PartyID, Timestamp: time.Now().UnixMilli()}
	payload, err := hello.Marshal()
	if err != nil {
		return err
	}
	return peer.send(FrameHello, payload)
}

func (t *TCP) newPeerConn(partyID protocol.PartyID, addr string, conn net.Conn) *peerConn {
	return &peerConn{
		partyID: partyID,
		addr:    addr,
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, t.config.BufferSize),
		writer:  bufio.NewWriterSize(conn, t.config.BufferSize),
	}
}

// addPeerTieBreak registers a connection. When both sides dial at once, the
// party with the lower id keeps its outbound connection.
func (t *TCP) addPeerTieBreak(peer *peerConn, isOutbound bool) bool {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()

	if t.closed.Load() {
		return false
	}
	if existing, ok := t.peers[peer.partyID]; ok {
		var keepNew bool
		if isOutbound {
			keepNew = t.config.PartyID < peer.partyID
		} else {
			keepNew = peer.partyID < t.config.PartyID
		}

		if !keepNew {
			return false
		}
		existing.close()
	}

	t.peers[peer.partyID] = peer
	return true
}

// removePeerConn removes a connection only if it is still the registered
// one, so that a replaced connection's cleanup leaves the new one alone.
func (t *TCP) removePeerConn(peer *peerConn) {
	t.peersMu.Lock()
	if current, ok := t.peers[peer.partyID]; ok && current == peer {
		delete(t.peers, peer.partyID)
	}
	t.peersMu.Unlock()
	peer.close()
}

// Peers returns the ids of connected peers
func (t *TCP) Peers() []protocol.PartyID {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()

	peers := make([]protocol.PartyID, 0, len(t.peers))
	for partyID := range t.peers {
		peers = append(peers, partyID)
	}
	return peers
}

func (p *peerConn) send(frameType uint8, payload []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := WriteFrame(p.writer, frameType, payload); err != nil {
		return err
	}
	return p.writer.Flush()
}

func (p *peerConn) close() {
	if p.closed.Swap(true) {
		return
	}
	p.conn.Close()
}
