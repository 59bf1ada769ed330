package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// keySize is the AES-256 key size in bytes.
	keySize = 32

	// pbkdf2Iterations follows the OWASP recommendation for PBKDF2-SHA-256.
	pbkdf2Iterations = 600_000
)

// pbkdf2Salt is a fixed application salt for deriving the master key from a
// passphrase. The derivation must be deterministic across restarts, so the
// salt cannot be random; supplying raw 32-byte key material avoids PBKDF2
// entirely and is the recommended configuration.
var pbkdf2Salt = []byte("cost-guardian-master-key-v1")

// ErrDecrypt is returned when ciphertext cannot be decrypted under the
// current master key. Once the key changes, stored ciphertexts are
// permanently unreadable; there is no re-encryption path.
var ErrDecrypt = errors.New("ciphertext cannot be decrypted under the current master key")

// Cipher provides AES-256-GCM authenticated encryption for stored secrets.
// A fresh nonce is drawn per call, so encrypting the same plaintext twice
// yields different ciphertexts.
type Cipher struct {
	key []byte
}

// NewCipher creates a cipher from raw key material.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size: must be %d bytes, got %d", keySize, len(key))
	}
	return &Cipher{key: key}, nil
}

// NewCipherFromMasterKey accepts either a base64-encoded 32-byte key or an
// arbitrary passphrase. Passphrases are stretched with PBKDF2-SHA-256.
func NewCipherFromMasterKey(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is not configured")
	}

	if key, err := base64.StdEncoding.DecodeString(masterKey); err == nil && len(key) == keySize {
		return NewCipher(key)
	}

	key := pbkdf2.Key([]byte(masterKey), pbkdf2Salt, pbkdf2Iterations, keySize, sha256.New)
	return NewCipher(key)
}

// GenerateKey returns a fresh random master key, base64-encoded for storage
// in an environment variable.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt encrypts plaintext and returns base64(nonce || ciphertext || tag).
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or foreign-key ciphertexts fail with
// ErrDecrypt.
func (c *Cipher) Decrypt(ciphertextBase64 string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrDecrypt)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return plaintext, nil
}
