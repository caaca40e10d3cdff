// Package signing provides the capability bundle the session engine is
// parameterized by: a signer for this party, a verifier for everyone, a hash
// and a wire format.
package signing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/luxfi/rounds/pkg/encoding"
	"github.com/luxfi/rounds/pkg/protocol"
)

var (
	ErrInvalidPartyID    = errors.New("signing: party id is not a valid public key")
	ErrInvalidSignature  = errors.New("signing: malformed signature")
	ErrSignatureMismatch = errors.New("signing: signature does not match")
	ErrUnknownScheme     = errors.New("signing: unknown scheme")
	ErrUnknownHash       = errors.New("signing: unknown hash")
	ErrIncompleteParams  = errors.New("signing: incomplete parameters")
)

// Signer signs prehashed payloads on behalf of one party.
type Signer interface {
	ID() protocol.PartyID
	Sign(digest []byte) ([]byte, error)
}

// Verifier checks a signature made by the party with the given id. Since
// party ids are public keys, one verifier serves every party.
type Verifier interface {
	Verify(id protocol.PartyID, digest, signature []byte) error
}

// Hasher computes the digest that is signed. Inputs are length-prefixed
// before hashing so that concatenations cannot collide.
type Hasher interface {
	Name() string
	Size() int
	Sum(parts ...[]byte) []byte
}

// Scheme is a signature algorithm: key generation, signing and verification.
type Scheme interface {
	Verifier
	Name() string
	GenerateSigner() (Signer, error)
	SignerFromBytes(secret []byte) (Signer, error)
}

// Parameters bundles everything a session needs besides the protocol.
type Parameters struct {
	Signer   Signer
	Verifier Verifier
	Hasher   Hasher
	Format   encoding.Format
}

// VerifierParameters returns a copy usable for offline evidence checking,
// with no signer.
func (p Parameters) VerifierParameters() Parameters {
	p.Signer = nil
	return p
}

func (p Parameters) Validate(needSigner bool) error {
	switch {
	case needSigner && p.Signer == nil:
		return fmt.Errorf("%w: signer", ErrIncompleteParams)
	case p.Verifier == nil:
		return fmt.Errorf("%w: verifier", ErrIncompleteParams)
	case p.Hasher == nil:
		return fmt.Errorf("%w: hasher", ErrIncompleteParams)
	case p.Format == nil:
		return fmt.Errorf("%w: format", ErrIncompleteParams)
	}
	return nil
}

// SchemeByName resolves a scheme from configuration.
func SchemeByName(name string) (Scheme, error) {
	switch strings.ToLower(name) {
	case "ed25519", "eddsa", "":
		return Ed25519Scheme{}, nil
	case "schnorr":
		return SchnorrScheme{}, nil
	case "ecdsa", "secp256k1":
		return ECDSAScheme{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
}

func partyIDFromKey(key []byte) protocol.PartyID {
	return protocol.PartyID(hex.EncodeToString(key))
}

func keyFromPartyID(id protocol.PartyID) ([]byte, error) {
	key, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPartyID, err)
	}
	return key, nil
}

// SecretExporter is implemented by signers whose key can be written to a
// keystore.
type SecretExporter interface {
	Secret() []byte
}
