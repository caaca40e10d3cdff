package signing

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

type hasher struct {
	name string
	size int
	new  func() hash.Hash
}

var (
	SHA256     Hasher = hasher{name: "sha256", size: sha256.Size, new: sha256.New}
	SHA3_256   Hasher = hasher{name: "sha3-256", size: 32, new: sha3.New256}
	Keccak256  Hasher = hasher{name: "keccak256", size: 32, new: sha3.NewLegacyKeccak256}
	BLAKE2b256 Hasher = hasher{name: "blake2b-256", size: blake2b.Size256, new: newBlake2b256}
	BLAKE3     Hasher = hasher{name: "blake3", size: 32, new: func() hash.Hash { return blake3.New() }}
)

func newBlake2b256() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	return h
}

func (h hasher) Name() string { return h.name }
func (h hasher) Size() int    { return h.size }

func (h hasher) Sum(parts ...[]byte) []byte {
	d := h.new()
	var prefix [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(p)))
		d.Write(prefix[:])
		d.Write(p)
	}
	return d.Sum(nil)
}

// HasherByName resolves a hash from configuration.
func HasherByName(name string) (Hasher, error) {
	switch strings.ToLower(name) {
	case "sha256", "":
		return SHA256, nil
	case "sha3-256", "sha3":
		return SHA3_256, nil
	case "keccak256", "keccak":
		return Keccak256, nil
	case "blake2b-256", "blake2b":
		return BLAKE2b256, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHash, name)
	}
}
