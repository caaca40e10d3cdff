// Package keystore keeps a node's signing key on disk, encrypted with an
// age passphrase.
package keystore

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"golang.org/x/term"

	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/signing"
)

var (
	ErrEmptyPassphrase    = errors.New("keystore: passphrase cannot be empty")
	ErrPassphraseMismatch = errors.New("keystore: passphrases do not match")
	ErrKeyMismatch        = errors.New("keystore: stored party id does not match key")
	ErrNotExportable      = errors.New("keystore: signer cannot export its secret")
	ErrKeyAlreadyExists   = errors.New("keystore: key file already exists")
)

// DefaultWorkFactor is the scrypt work factor used for new key files.
const DefaultWorkFactor = 18

type exportable interface {
	Secret() []byte
}

// NodeKey is the decrypted content of a key file.
type NodeKey struct {
	Scheme    string           `json:"scheme"`
	PartyID   protocol.PartyID `json:"party_id"`
	Secret    string           `json:"secret"` // hex
	CreatedAt time.Time        `json:"created_at"`
}

// Generate creates a fresh key for the named scheme.
func Generate(schemeName string) (*NodeKey, error) {
	scheme, err := signing.SchemeByName(schemeName)
	if err != nil {
		return nil, err
	}
	signer, err := scheme.GenerateSigner()
	if err != nil {
		return nil, err
	}
	exp, ok := signer.(exportable)
	if !ok {
		return nil, ErrNotExportable
	}
	return &NodeKey{
		Scheme:    scheme.Name(),
		PartyID:   signer.ID(),
		Secret:    hex.EncodeToString(exp.Secret()),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Signer rebuilds the signer and checks it still matches the stored id.
func (k *NodeKey) Signer() (signing.Signer, signing.Scheme, error) {
	scheme, err := signing.SchemeByName(k.Scheme)
	if err != nil {
		return nil, nil, err
	}
	secret, err := hex.DecodeString(k.Secret)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: bad secret encoding: %w", err)
	}
	signer, err := scheme.SignerFromBytes(secret)
	if err != nil {
		return nil, nil, err
	}
	if signer.ID() != k.PartyID {
		return nil, nil, ErrKeyMismatch
	}
	return signer, scheme, nil
}

// Save encrypts the key to path. An existing file is never overwritten.
func Save(path string, key *NodeKey, passphrase []byte, workFactor int) error {
	if len(passphrase) == 0 {
		return ErrEmptyPassphrase
	}
	recipient, err := age.NewScryptRecipient(string(passphrase))
	if err != nil {
		return err
	}
	if workFactor > 0 {
		recipient.SetWorkFactor(workFactor)
	}

	plain, err := json.Marshal(key)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return err
	}
	if _, err := w.Write(plain); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrKeyAlreadyExists, path)
		}
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

// Load decrypts the key file at path.
func Load(path string, passphrase []byte) (*NodeKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	identity, err := age.NewScryptIdentity(string(passphrase))
	if err != nil {
		return nil, err
	}
	r, err := age.Decrypt(f, identity)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to decrypt %s: %w", path, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var key NodeKey
	if err := json.Unmarshal(plain, &key); err != nil {
		return nil, fmt.Errorf("keystore: corrupt key file: %w", err)
	}
	return &key, nil
}

// PromptPassphrase reads a passphrase from the terminal on fd without echo.
// With confirm set, it is asked for twice.
func PromptPassphrase(fd int, out io.Writer, confirm bool) ([]byte, error) {
	fmt.Fprint(out, "Enter key passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(pass) == 0 {
		return nil, ErrEmptyPassphrase
	}
	if !confirm {
		return pass, nil
	}

	fmt.Fprint(out, "Confirm key passphrase: ")
	again, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmation: %w", err)
	}
	if !bytes.Equal(pass, again) {
		return nil, ErrPassphraseMismatch
	}
	return pass, nil
}

// IsTerminal reports whether fd can be prompted.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// MaskString shows the first and last character of s.
func MaskString(s string) string {
	if len(s) <= 2 {
		return s
	}
	return s[:1] + strings.Repeat("*", len(s)-2) + s[len(s)-1:]
}
