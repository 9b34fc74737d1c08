// Package secret seals SSH passwords stored in host profiles with
// AES-256-GCM. The key comes from LAZYSYNC_SECRET_KEY (64 hex chars).
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// EnvKey names the environment variable holding the hex-encoded key.
const EnvKey = "LAZYSYNC_SECRET_KEY"

var (
	keyOnce  sync.Once
	keyBytes []byte
	keyErr   error

	ErrNoKey              = errors.New("secret: " + EnvKey + " is not set")
	ErrCiphertextTooShort = errors.New("secret: ciphertext too short")
)

func key() ([]byte, error) {
	keyOnce.Do(func() {
		hexKey := os.Getenv(EnvKey)
		if hexKey == "" {
			keyErr = ErrNoKey
			return
		}
		keyBytes, keyErr = ParseKey(hexKey)
	})
	return keyBytes, keyErr
}

// ParseKey decodes a 32-byte hex key.
func ParseKey(hexKey string) ([]byte, error) {
	k, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secret: invalid hex key: %w", err)
	}
	if len(k) != 32 {
		return nil, fmt.Errorf("secret: key must be 32 bytes (64 hex chars), got %d bytes", len(k))
	}
	return k, nil
}

// GenerateKey returns a fresh hex-encoded key suitable for EnvKey.
func GenerateKey() (string, error) {
	k := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", fmt.Errorf("secret: %w", err)
	}
	return hex.EncodeToString(k), nil
}

func aead(k []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with the environment key and returns hex
// (nonce || ciphertext || tag).
func Seal(plaintext string) (string, error) {
	k, err := key()
	if err != nil {
		return "", err
	}
	return SealWith(k, plaintext)
}

// SealWith is Seal with an explicit key.
func SealWith(k []byte, plaintext string) (string, error) {
	gcm, err := aead(k)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret: %w", err)
	}
	return hex.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// Open decrypts a value produced by Seal.
func Open(sealed string) (string, error) {
	k, err := key()
	if err != nil {
		return "", err
	}
	return OpenWith(k, sealed)
}

// OpenWith is Open with an explicit key.
func OpenWith(k []byte, sealed string) (string, error) {
	data, err := hex.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("secret: invalid hex ciphertext: %w", err)
	}
	gcm, err := aead(k)
	if err != nil {
		return "", err
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return "", ErrCiphertextTooShort
	}
	plaintext, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("secret: decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// resetKey lets tests re-read the environment.
func resetKey() {
	keyOnce = sync.Once{}
	keyBytes = nil
	keyErr = nil
}
