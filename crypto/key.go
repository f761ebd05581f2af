package crypto

import (
	"crypto/rand"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Key is a raw AES-256 session key. It is generated once per transfer and never reused.
type Key [KeySize]byte

// GenerateKey returns a fresh random session key.
func GenerateKey() (Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return Key{}, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// ImportKey builds a Key from raw bytes received in a key exchange.
func ImportKey(raw []byte) (Key, error) {
	var key Key
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("%w: got %d want %d", ErrInvalidKey, len(raw), KeySize)
	}
	copy(key[:], raw)
	return key, nil
}

// Export returns a copy of the raw key bytes.
func (k Key) Export() []byte {
	return append([]byte(nil), k[:]...)
}

// Fingerprint returns a short BLAKE2b fingerprint of the key, grouped for reading aloud.
func Fingerprint(key Key) string {
	sum := blake2b.Sum256(key[:])
	return FormatFingerprint(fmt.Sprintf("%x", sum[:8]))
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
