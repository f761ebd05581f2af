package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length generated for every chunk.
	IVSize = 12
	// Overhead is the number of bytes GCM adds to every sealed chunk.
	Overhead = 16
)

var (
	// ErrInvalidKey indicates key material of the wrong length.
	ErrInvalidKey = errors.New("crypto: invalid key length")
	// ErrDecryption is matched by every DecryptionError.
	ErrDecryption = errors.New("crypto: decryption failed")
)

// DecryptionError reports a ciphertext/IV/key combination that failed authentication.
type DecryptionError struct {
	Chunk int
	Err   error
}

func (e *DecryptionError) Error() string {
	if e.Chunk < 0 {
		return fmt.Sprintf("decrypt ciphertext: %v", e.Err)
	}
	return fmt.Sprintf("decrypt chunk %d: %v", e.Chunk, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDecryption) match any DecryptionError.
func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// Encrypt encrypts plaintext with AES-256-GCM and returns ciphertext and IV.
func Encrypt(key Key, plaintext []byte) (ciphertext, iv []byte, err error) {
	return seal(key, plaintext, nil)
}

// Decrypt decrypts AES-256-GCM ciphertext using the provided IV.
func Decrypt(key Key, iv, ciphertext []byte) ([]byte, error) {
	return open(key, iv, ciphertext, nil, -1)
}

// SealChunk encrypts one file chunk and binds its sequence number as additional data,
// so a chunk paired with the wrong header fails authentication instead of decrypting.
func SealChunk(key Key, seq uint64, plaintext []byte) (ciphertext, iv []byte, err error) {
	return seal(key, plaintext, chunkAAD(seq))
}

// OpenChunk reverses SealChunk.
func OpenChunk(key Key, seq uint64, iv, ciphertext []byte) ([]byte, error) {
	return open(key, iv, ciphertext, chunkAAD(seq), int(seq))
}

func seal(key Key, plaintext, additionalData []byte) ([]byte, []byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nil, iv, plaintext, additionalData), iv, nil
}

func open(key Key, iv, ciphertext, additionalData []byte, chunk int) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, &DecryptionError{Chunk: chunk, Err: fmt.Errorf("invalid nonce length: got %d want %d", len(iv), aead.NonceSize())}
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, &DecryptionError{Chunk: chunk, Err: errors.New("ciphertext shorter than tag")}
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, additionalData)
	if err != nil {
		return nil, &DecryptionError{Chunk: chunk, Err: err}
	}
	return plaintext, nil
}

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

func chunkAAD(seq uint64) []byte {
	aad := make([]byte, 8)
	binary.BigEndian.PutUint64(aad, seq)
	return aad
}
