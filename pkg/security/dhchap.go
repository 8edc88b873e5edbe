package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	"github.com/truenas/nvmetd/pkg/types"
)

const (
	dhchapPrefix   = "DHHC-1"
	transformLabel = "NVMe-over-Fabrics"
)

// ErrInvalidDHChapKey is returned for secrets not in the DHHC-1 representation
var ErrInvalidDHChapKey = errors.New("invalid DH-HMAC-CHAP key")

func hashFunc(h types.DHChapHash) (func() hash.Hash, int) {
	switch h {
	case types.DHChapHashSHA384:
		return sha512.New384, 48
	case types.DHChapHashSHA512:
		return sha512.New, 64
	default:
		return sha256.New, 32
	}
}

// GenerateDHChapKey creates a DHHC-1 secret for hostnqn. The random secret
// is transformed with HMAC over the host NQN so the key is bound to it.
func GenerateDHChapKey(h types.DHChapHash, hostnqn string) (string, error) {
	if !h.Valid() {
		return "", fmt.Errorf("unsupported hash %q", h)
	}
	if hostnqn == "" {
		return "", fmt.Errorf("host NQN is required to generate a key")
	}

	newHash, size := hashFunc(h)
	secret := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}

	mac := hmac.New(newHash, secret)
	mac.Write([]byte(hostnqn))
	mac.Write([]byte(transformLabel))

	return EncodeDHChapKey(h.ID(), mac.Sum(nil)), nil
}

// EncodeDHChapKey renders key in the DHHC-1 representation with its CRC32
// trailer
func EncodeDHChapKey(hmacID int, key []byte) string {
	buf := make([]byte, len(key)+4)
	copy(buf, key)
	binary.LittleEndian.PutUint32(buf[len(key):], crc32.ChecksumIEEE(key))
	return fmt.Sprintf("%s:%02d:%s:", dhchapPrefix, hmacID, base64.StdEncoding.EncodeToString(buf))
}

// ValidateDHChapKey checks the representation, length and checksum of a
// DHHC-1 secret
func ValidateDHChapKey(key string) error {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != dhchapPrefix || parts[3] != "" {
		return fmt.Errorf("%w: expected %s:<hmac>:<base64>:", ErrInvalidDHChapKey, dhchapPrefix)
	}

	hmacID, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 2 || hmacID < 0 || hmacID > 3 {
		return fmt.Errorf("%w: bad hmac identifier %q", ErrInvalidDHChapKey, parts[1])
	}

	data, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDHChapKey, err)
	}

	keyLen := len(data) - 4
	switch keyLen {
	case 32, 48, 64:
	default:
		return fmt.Errorf("%w: bad key length %d", ErrInvalidDHChapKey, keyLen)
	}
	if hmacID != 0 && keyLen != []int{0, 32, 48, 64}[hmacID] {
		return fmt.Errorf("%w: key length %d does not match hmac %d", ErrInvalidDHChapKey, keyLen, hmacID)
	}

	if crc32.ChecksumIEEE(data[:keyLen]) != binary.LittleEndian.Uint32(data[keyLen:]) {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalidDHChapKey)
	}
	return nil
}
