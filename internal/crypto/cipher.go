package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// ErrDecryptFailed is returned when a ciphertext cannot be authenticated,
// which almost always means the wrong encryption secret. GCM authentication
// guarantees a wrong key never yields plausible-looking plaintext.
var ErrDecryptFailed = errors.New("decryption failed: wrong secret or corrupted ciphertext")

const nonceSize = 12

// Cipher encrypts and decrypts credential material with AES-256-GCM.
// The key is derived from a deployment-supplied secret via Argon2id;
// the secret itself is never persisted or logged.
type Cipher struct {
	key []byte
}

// NewCipher derives the AES key from the secret and salt.
func NewCipher(secret, salt string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("encryption secret required")
	}
	if salt == "" {
		return nil, errors.New("encryption salt required")
	}

	return &Cipher{key: deriveKey(secret, salt, 32)}, nil
}

// Encrypt returns base64(nonce || ciphertext). An empty plaintext passes
// through unchanged so callers need not special-case absent tokens.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	result := make([]byte, len(nonce)+len(ciphertext))
	copy(result, nonce)
	copy(result[len(nonce):], ciphertext)

	return base64.StdEncoding.EncodeToString(result), nil
}

// Decrypt reverses Encrypt. An empty input passes through unchanged.
// Authentication failures surface as ErrDecryptFailed.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}

	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}

	nonce := raw[:nonceSize]
	ciphertext := raw[nonceSize:]

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	return string(plaintext), nil
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}

func deriveKey(password, salt string, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), []byte(salt), 3, 32*1024, 4, keyLen)
}
