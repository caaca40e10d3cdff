package signing

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/edwards/v2"

	"github.com/luxfi/rounds/pkg/protocol"
)

// Ed25519Scheme signs with Ed25519 keys. Party ids are the hex encoded
// 32-byte public keys.
type Ed25519Scheme struct{}

func (Ed25519Scheme) Name() string { return "ed25519" }

func (Ed25519Scheme) GenerateSigner() (Signer, error) {
	priv, err := edwards.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newEd25519Signer(priv), nil
}

// SignerFromBytes restores a signer from the output of Secret.
func (Ed25519Scheme) SignerFromBytes(secret []byte) (Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing: empty ed25519 secret")
	}
	priv, _ := edwards.PrivKeyFromBytes(secret)
	if priv == nil {
		return nil, fmt.Errorf("signing: invalid ed25519 secret")
	}
	return newEd25519Signer(priv), nil
}

func (Ed25519Scheme) Verify(id protocol.PartyID, digest, signature []byte) error {
	raw, err := keyFromPartyID(id)
	if err != nil {
		return err
	}
	pub, err := edwards.ParsePubKey(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPartyID, err)
	}
	sig, err := edwards.ParseSignature(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(digest, pub) {
		return ErrSignatureMismatch
	}
	return nil
}

type ed25519Signer struct {
	priv *edwards.PrivateKey
	id   protocol.PartyID
}

func newEd25519Signer(priv *edwards.PrivateKey) *ed25519Signer {
	return &ed25519Signer{priv: priv, id: partyIDFromKey(priv.PubKey().Serialize())}
}

func (s *ed25519Signer) ID() protocol.PartyID { return s.id }

func (s *ed25519Signer) Sign(digest []byte) ([]byte, error) {
	sig, err := s.priv.Sign(digest)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// Secret returns the serialized private key.
func (s *ed25519Signer) Secret() []byte {
	return s.priv.Serialize()
}
