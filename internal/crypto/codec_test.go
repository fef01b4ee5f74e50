package crypto

import (
	"bytes"
	"testing"

	"quillsync/internal/domain"
)

// Low iteration count keeps the tests fast; production uses DefaultIterations.
const testIterations = 1000

func TestCodec_RoundTrip(t *testing.T) {
	codec := NewCodec(testIterations)

	salt, err := codec.NewSalt()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	key := codec.DeriveKey("correct horse battery staple", salt)
	plaintext := []byte(`{"title":"meeting notes","content":"discuss roadmap"}`)

	envelope, err := codec.Encrypt(plaintext, key, salt)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// A second device derives the same key from the envelope's salt.
	key2 := codec.DeriveKey("correct horse battery staple", envelope.Salt)

	decrypted, err := codec.Decrypt(envelope, key2)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, decrypted)
	}
}

func TestCodec_WrongPassphrase(t *testing.T) {
	codec := NewCodec(testIterations)

	salt, _ := codec.NewSalt()
	key := codec.DeriveKey("right passphrase", salt)

	envelope, err := codec.Encrypt([]byte("secret note"), key, salt)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	wrongKey := codec.DeriveKey("wrong passphrase", envelope.Salt)

	if _, err := codec.Decrypt(envelope, wrongKey); !domain.IsIntegrity(err) {
		t.Errorf("expected IntegrityError, got %v", err)
	}
}

func TestCodec_TamperedCiphertext(t *testing.T) {
	codec := NewCodec(testIterations)

	salt, _ := codec.NewSalt()
	key := codec.DeriveKey("passphrase", salt)

	envelope, err := codec.Encrypt([]byte("original content"), key, salt)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	envelope.Ciphertext[0] ^= 0xff

	if _, err := codec.Decrypt(envelope, key); !domain.IsIntegrity(err) {
		t.Errorf("expected IntegrityError, got %v", err)
	}
}

func TestCodec_FreshIVPerEncrypt(t *testing.T) {
	codec := NewCodec(testIterations)

	salt, _ := codec.NewSalt()
	key := codec.DeriveKey("passphrase", salt)

	e1, err := codec.Encrypt([]byte("same plaintext"), key, salt)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	e2, err := codec.Encrypt([]byte("same plaintext"), key, salt)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if bytes.Equal(e1.IV, e2.IV) {
		t.Error("expected a fresh IV per encrypt call")
	}
	if bytes.Equal(e1.Ciphertext, e2.Ciphertext) {
		t.Error("expected different ciphertexts under different IVs")
	}
}

func TestCodec_KeyDerivationIdempotent(t *testing.T) {
	codec := NewCodec(testIterations)

	salt, _ := codec.NewSalt()
	k1 := codec.DeriveKey("passphrase", salt)
	k2 := codec.DeriveKey("passphrase", salt)

	if !bytes.Equal(k1, k2) {
		t.Error("expected same passphrase and salt to derive the same key")
	}
}
