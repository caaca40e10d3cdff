package signing

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	"github.com/luxfi/rounds/pkg/protocol"
)

// SchnorrScheme signs with EC-Schnorr-DCRv0 over secp256k1. Digests must be
// 32 bytes, so pair it with a 256-bit hash.
type SchnorrScheme struct{}

func (SchnorrScheme) Name() string { return "schnorr" }

func (SchnorrScheme) GenerateSigner() (Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newSecpSigner(priv, signSchnorr), nil
}

func (SchnorrScheme) SignerFromBytes(secret []byte) (Signer, error) {
	priv, err := secpPrivFromBytes(secret)
	if err != nil {
		return nil, err
	}
	return newSecpSigner(priv, signSchnorr), nil
}

func (SchnorrScheme) Verify(id protocol.PartyID, digest, signature []byte) error {
	pub, err := secpPubFromPartyID(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(digest, pub) {
		return ErrSignatureMismatch
	}
	return nil
}

func signSchnorr(priv *secp256k1.PrivateKey, digest []byte) ([]byte, error) {
	sig, err := schnorr.Sign(priv, digest)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// ECDSAScheme signs with DER-encoded ECDSA over secp256k1.
type ECDSAScheme struct{}

func (ECDSAScheme) Name() string { return "ecdsa" }

func (ECDSAScheme) GenerateSigner() (Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newSecpSigner(priv, signECDSA), nil
}

func (ECDSAScheme) SignerFromBytes(secret []byte) (Signer, error) {
	priv, err := secpPrivFromBytes(secret)
	if err != nil {
		return nil, err
	}
	return newSecpSigner(priv, signECDSA), nil
}

func (ECDSAScheme) Verify(id protocol.PartyID, digest, signature []byte) error {
	pub, err := secpPubFromPartyID(id)
	if err != nil {
		return err
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(digest, pub) {
		return ErrSignatureMismatch
	}
	return nil
}

func signECDSA(priv *secp256k1.PrivateKey, digest []byte) ([]byte, error) {
	return ecdsa.Sign(priv, digest).Serialize(), nil
}

type secpSigner struct {
	priv *secp256k1.PrivateKey
	id   protocol.PartyID
	sign func(*secp256k1.PrivateKey, []byte) ([]byte, error)
}

func newSecpSigner(priv *secp256k1.PrivateKey, sign func(*secp256k1.PrivateKey, []byte) ([]byte, error)) *secpSigner {
	return &secpSigner{
		priv: priv,
		id:   partyIDFromKey(priv.PubKey().SerializeCompressed()),
		sign: sign,
	}
}

func (s *secpSigner) ID() protocol.PartyID { return s.id }

func (s *secpSigner) Sign(digest []byte) ([]byte, error) {
	return s.sign(s.priv, digest)
}

func (s *secpSigner) Secret() []byte {
	return s.priv.Serialize()
}

func secpPrivFromBytes(secret []byte) (*secp256k1.PrivateKey, error) {
	if len(secret) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("signing: secp256k1 secret must be %d bytes", secp256k1.PrivKeyBytesLen)
	}
	return secp256k1.PrivKeyFromBytes(secret), nil
}

func secpPubFromPartyID(id protocol.PartyID) (*secp256k1.PublicKey, error) {
	raw, err := keyFromPartyID(id)
	if err != nil {
		return nil, err
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPartyID, err)
	}
	return pub, nil
}
