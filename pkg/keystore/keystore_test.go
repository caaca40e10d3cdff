package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Keep scrypt cheap in tests.
const testWorkFactor = 10

func TestSaveLoad(t *testing.T) {
	for _, scheme := range []string{"ed25519", "schnorr", "ecdsa"} {
		t.Run(scheme, func(t *testing.T) {
			key, err := Generate(scheme)
			require.NoError(t, err)
			assert.Equal(t, scheme, key.Scheme)

			path := filepath.Join(t.TempDir(), "keys", "node.age")
			require.NoError(t, Save(path, key, []byte("correct horse"), testWorkFactor))

			loaded, err := Load(path, []byte("correct horse"))
			require.NoError(t, err)
			assert.Equal(t, key.PartyID, loaded.PartyID)
			assert.Equal(t, key.Secret, loaded.Secret)

			signer, s, err := loaded.Signer()
			require.NoError(t, err)
			assert.Equal(t, key.PartyID, signer.ID())

			digest := make([]byte, 32)
			sig, err := signer.Sign(digest)
			require.NoError(t, err)
			require.NoError(t, s.Verify(signer.ID(), digest, sig))
		})
	}
}

func TestLoad_WrongPassphrase(t *testing.T) {
	key, err := Generate("ed25519")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "node.age")
	require.NoError(t, Save(path, key, []byte("right"), testWorkFactor))

	_, err = Load(path, []byte("wrong"))
	require.Error(t, err)
}

func TestSave_Errors(t *testing.T) {
	key, err := Generate("ed25519")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "node.age")

	require.ErrorIs(t, Save(path, key, nil, testWorkFactor), ErrEmptyPassphrase)
	require.NoError(t, Save(path, key, []byte("p"), testWorkFactor))
	require.ErrorIs(t, Save(path, key, []byte("p"), testWorkFactor), ErrKeyAlreadyExists)
}

func TestNodeKey_Signer(t *testing.T) {
	a, err := Generate("schnorr")
	require.NoError(t, err)
	b, err := Generate("schnorr")
	require.NoError(t, err)

	tampered := *a
	tampered.PartyID = b.PartyID
	_, _, err = tampered.Signer()
	require.ErrorIs(t, err, ErrKeyMismatch)

	tampered = *a
	tampered.Secret = "zz"
	_, _, err = tampered.Signer()
	require.Error(t, err)

	_, err = Generate("rsa")
	require.Error(t, err)
}

func TestMaskString(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"ab", "ab"},
		{"abc", "a*c"},
		{"secret", "s****t"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskString(tt.in))
	}
}
