package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"quillsync/internal/domain"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen  = 32
	saltLen = 16
	ivLen   = 12
	tagLen  = 16

	// DefaultIterations is the PBKDF2 work factor used when none is
	// configured. High enough that brute-forcing a passphrase is
	// expensive, low enough that deriving a key on note open is not
	// noticeable.
	DefaultIterations = 210_000
)

// Codec turns a user passphrase into key material and produces/consumes
// encrypted envelopes. Pure transforms; no state beyond the configured
// work factor.
type Codec struct {
	iterations int
}

func NewCodec(iterations int) *Codec {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Codec{iterations: iterations}
}

// DeriveKey stretches the passphrase into a 32-byte AES key. Same
// passphrase and salt always yield the same key, so any device holding
// the passphrase can decrypt any envelope whose salt it can read.
func (c *Codec) DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, c.iterations, keyLen, sha256.New)
}

// NewSalt returns a fresh random salt for key derivation.
func (c *Codec) NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt seals plaintext under key with AES-256-GCM. A fresh IV is drawn
// per call; the salt is carried in the envelope so the receiving device
// can re-derive the key.
func (c *Codec) Encrypt(plaintext, key, salt []byte) (*domain.EncryptedEnvelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)

	// GCM appends the auth tag to the ciphertext; the envelope keeps
	// them as separate fields.
	split := len(sealed) - tagLen

	return &domain.EncryptedEnvelope{
		Salt:       salt,
		IV:         iv,
		Ciphertext: sealed[:split],
		AuthTag:    sealed[split:],
	}, nil
}

// Decrypt opens an envelope. A failed authentication tag returns
// *domain.IntegrityError: either the envelope was tampered with or the
// key was derived from the wrong passphrase. No partial plaintext is
// ever returned.
func (c *Codec) Decrypt(envelope *domain.EncryptedEnvelope, key []byte) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if len(envelope.IV) != ivLen || len(envelope.AuthTag) != tagLen {
		return nil, &domain.IntegrityError{Err: fmt.Errorf("malformed envelope")}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sealed := make([]byte, 0, len(envelope.Ciphertext)+tagLen)
	sealed = append(sealed, envelope.Ciphertext...)
	sealed = append(sealed, envelope.AuthTag...)

	plaintext, err := gcm.Open(nil, envelope.IV, sealed, nil)
	if err != nil {
		return nil, &domain.IntegrityError{Err: err}
	}

	return plaintext, nil
}
