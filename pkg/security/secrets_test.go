package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecretsManager(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32)},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewSecretsManager(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, sm)
		})
	}
}

func TestNewSecretsManagerFromPassword(t *testing.T) {
	_, err := NewSecretsManagerFromPassword("")
	assert.Error(t, err)

	sm1, err := NewSecretsManagerFromPassword("passphrase")
	require.NoError(t, err)
	sm2, err := NewSecretsManagerFromPassword("passphrase")
	require.NoError(t, err)
	assert.Equal(t, sm1.encryptionKey, sm2.encryptionKey)
}

func TestEncryptDecryptSecret(t *testing.T) {
	sm, err := NewSecretsManager(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	plaintext := []byte("DHHC-1:00:secret:")
	ciphertext, err := sm.EncryptSecret(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := sm.DecryptSecret(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	_, err = sm.EncryptSecret(nil)
	assert.Error(t, err)

	_, err = sm.DecryptSecret([]byte{1, 2})
	assert.Error(t, err)
}

func TestDecryptWithWrongKey(t *testing.T) {
	sm1, _ := NewSecretsManagerFromPassword("one")
	sm2, _ := NewSecretsManagerFromPassword("two")

	ciphertext, err := sm1.EncryptSecret([]byte("data"))
	require.NoError(t, err)

	_, err = sm2.DecryptSecret(ciphertext)
	assert.Error(t, err)
}

func TestEncryptString(t *testing.T) {
	sm, _ := NewSecretsManagerFromPassword("passphrase")

	empty, err := sm.EncryptString("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	enc, err := sm.EncryptString("DHHC-1:01:abc:")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(enc))

	dec, err := sm.DecryptString(enc)
	require.NoError(t, err)
	assert.Equal(t, "DHHC-1:01:abc:", dec)

	plain, err := sm.DecryptString("DHHC-1:01:abc:")
	require.NoError(t, err)
	assert.Equal(t, "DHHC-1:01:abc:", plain)
}
