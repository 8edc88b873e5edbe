package security

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/nvmetd/pkg/types"
)

const testHostNQN = "nqn.2014-08.org.nvmexpress:uuid:48747223-7535-4f8e-a789-b8af7b2c8f47"

func TestGenerateDHChapKey(t *testing.T) {
	tests := []struct {
		hash   types.DHChapHash
		prefix string
	}{
		{types.DHChapHashSHA256, "DHHC-1:01:"},
		{types.DHChapHashSHA384, "DHHC-1:02:"},
		{types.DHChapHashSHA512, "DHHC-1:03:"},
	}

	for _, tt := range tests {
		t.Run(string(tt.hash), func(t *testing.T) {
			key, err := GenerateDHChapKey(tt.hash, testHostNQN)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(key, tt.prefix))
			assert.True(t, strings.HasSuffix(key, ":"))
			assert.NoError(t, ValidateDHChapKey(key))

			other, err := GenerateDHChapKey(tt.hash, testHostNQN)
			require.NoError(t, err)
			assert.NotEqual(t, key, other)
		})
	}
}

func TestGenerateDHChapKeyErrors(t *testing.T) {
	_, err := GenerateDHChapKey("MD5", testHostNQN)
	assert.Error(t, err)

	_, err = GenerateDHChapKey(types.DHChapHashSHA256, "")
	assert.Error(t, err)
}

func TestValidateDHChapKey(t *testing.T) {
	good := EncodeDHChapKey(0, bytes.Repeat([]byte{0xAB}, 48))
	require.NoError(t, ValidateDHChapKey(good))

	corrupted := []byte(EncodeDHChapKey(1, bytes.Repeat([]byte{1}, 32)))
	corrupted[12] ^= 0x01

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"wrong prefix", "DHHC-2:00:AAAA:"},
		{"missing trailer", strings.TrimSuffix(good, ":")},
		{"bad hmac", strings.Replace(good, ":00:", ":07:", 1)},
		{"length mismatch", strings.Replace(good, ":00:", ":01:", 1)},
		{"short key", EncodeDHChapKey(0, []byte("short"))},
		{"bad base64", "DHHC-1:00:!!!!:"},
		{"bad checksum", string(corrupted)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateDHChapKey(tt.key), ErrInvalidDHChapKey)
		})
	}
}
