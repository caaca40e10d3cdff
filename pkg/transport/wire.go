// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/luxfi/rounds/pkg/protocol"
)

// Frame types on a TCP connection
const (
	// FrameHello is the first frame on every connection and names the dialer
	FrameHello uint8 = 1

	// FrameRound carries one encoded session message
	FrameRound uint8 = 2

	// FramePing is used for keepalives
	FramePing uint8 = 3

	// FramePong is the response to ping
	FramePong uint8 = 4

	// HeaderSize is 4 bytes length + 1 byte type
	HeaderSize = 5

	// MaxFrameSize is 16MB
	MaxFrameSize = 16 * 1024 * 1024
)

// Hello identifies the party on the other end of a connection. It is not
// authenticated; session messages carry their own signatures.
type Hello struct {
	PartyID   protocol.PartyID `json:"party_id"`
	Timestamp int64            `json:"timestamp"`
}

func (h *Hello) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

func (h *Hello) Unmarshal(data []byte) error {
	return json.Unmarshal(data, h)
}

// WriteFrame writes a frame with its header
func WriteFrame(w io.Writer, frameType uint8, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(payload), MaxFrameSize)
	}

	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = frameType

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads a frame with its header
func ReadFrame(r io.Reader) (uint8, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	frameType := header[4]

	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d > %d", length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return frameType, payload, nil
}
