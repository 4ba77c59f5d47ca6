package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Envelope is an AES-256-GCM-encrypted secret at rest: upstream MCP
// credentials and TOTP seeds are never
// stored in plaintext. The key is the operator-provisioned 32-byte
// TOTP_ENCRYPTION_KEY used directly, with no derivation step, so a short
// or weak key is rejected at config load time instead of being silently
// stretched.
type Envelope struct {
	key []byte // exactly 32 bytes, enforced by config.Config.Validate
}

// NewEnvelope constructs an Envelope from a 32-byte AES-256 key.
func NewEnvelope(key []byte) (*Envelope, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("envelope key must be 32 bytes, got %d", len(key))
	}
	return &Envelope{key: key}, nil
}

// Seal encrypts plaintext with a fresh random nonce, returning a hex string
// of the form nonce||ciphertext||tag.
func (e *Envelope) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (e *Envelope) Open(encoded string) ([]byte, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// SealString is a convenience wrapper around Seal for string secrets.
func (e *Envelope) SealString(plaintext string) (string, error) {
	return e.Seal([]byte(plaintext))
}

// OpenString is a convenience wrapper around Open for string secrets.
func (e *Envelope) OpenString(encoded string) (string, error) {
	b, err := e.Open(encoded)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
