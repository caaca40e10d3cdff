package session

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/luxfi/rounds/pkg/signing"
)

// SessionID binds every message and piece of evidence to one protocol run.
// It doubles as the shared randomness handed to rounds.
type SessionID []byte

// FromSeed derives the id every party computes from the same seed. The seed
// must be unique per run and unpredictable in advance, for example a recent
// block hash together with the run's public parameters.
func FromSeed(hasher signing.Hasher, protocolName string, seed []byte) SessionID {
	return SessionID(hasher.Sum([]byte("SessionId"), []byte(protocolName), seed))
}

// RandomSessionID is for tests. Picking a random id centrally defeats the
// point of a distributed protocol.
func RandomSessionID(hasher signing.Hasher, rng io.Reader) (SessionID, error) {
	id := make([]byte, hasher.Size())
	if _, err := io.ReadFull(rng, id); err != nil {
		return nil, err
	}
	return id, nil
}

func (s SessionID) Equal(other SessionID) bool {
	return bytes.Equal(s, other)
}

func (s SessionID) String() string {
	return hex.EncodeToString(s)
}
