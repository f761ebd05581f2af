package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func mustKey(t *testing.T) Key {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := mustKey(t)
	plaintext := []byte(`{"type":"text","content":"hello world"}`)

	ciphertext, iv, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(iv) != IVSize {
		t.Fatalf("expected %d-byte IV, got %d", IVSize, len(iv))
	}
	if len(ciphertext) != len(plaintext)+Overhead {
		t.Fatalf("expected ciphertext length %d, got %d", len(plaintext)+Overhead, len(ciphertext))
	}

	decrypted, err := Decrypt(key, iv, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("decrypted plaintext does not match original")
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	key := mustKey(t)
	plaintext := []byte("same bytes every time")

	seen := make(map[string]bool)
	for i := 0; i < 256; i++ {
		ciphertext, iv, err := Encrypt(key, plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if seen[string(iv)] {
			t.Fatalf("IV reused on call %d", i)
		}
		seen[string(iv)] = true
		if i > 0 && bytes.Equal(ciphertext, plaintext) {
			t.Fatalf("ciphertext equals plaintext")
		}
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key := mustKey(t)
	ciphertext, iv, err := Encrypt(key, []byte("attack at dawn"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	ciphertext[0] ^= 0xff

	_, err = Decrypt(key, iv, ciphertext)
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
	var decErr *DecryptionError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected *DecryptionError, got %T", err)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	ciphertext, iv, err := Encrypt(mustKey(t), []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := Decrypt(mustKey(t), iv, ciphertext); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption with wrong key, got %v", err)
	}
}

func TestDecryptRejectsShortIV(t *testing.T) {
	key := mustKey(t)
	ciphertext, _, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := Decrypt(key, []byte{1, 2, 3}, ciphertext); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for short IV, got %v", err)
	}
}

func TestOpenChunkRejectsWrongSequence(t *testing.T) {
	key := mustKey(t)
	ciphertext, iv, err := SealChunk(key, 3, []byte("chunk three"))
	if err != nil {
		t.Fatalf("SealChunk failed: %v", err)
	}

	if _, err := OpenChunk(key, 3, iv, ciphertext); err != nil {
		t.Fatalf("OpenChunk with matching sequence failed: %v", err)
	}

	_, err = OpenChunk(key, 4, iv, ciphertext)
	var decErr *DecryptionError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected *DecryptionError, got %v", err)
	}
	if decErr.Chunk != 4 {
		t.Fatalf("expected chunk index 4 in error, got %d", decErr.Chunk)
	}
}
