// Package secrets encrypts webhook signing secrets at rest with AES-256-GCM.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rendis/spiral/pkg/schema"
)

// sealedPrefix marks ciphertext produced by Seal. Values without it are
// plaintext written before sealing was enabled.
const sealedPrefix = "sealed:v1:"

// KeyConfig configures key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type KeyConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// Enabled reports whether a key source is configured.
func (c KeyConfig) Enabled() bool {
	return len(c.MasterKey) > 0 || c.Passphrase != ""
}

// AESSealer encrypts strings with AES-256-GCM.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer derives the key and creates the cipher.
func NewAESSealer(cfg KeyConfig) (*AESSealer, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESSealer{aead: aead}, nil
}

func deriveKey(cfg KeyConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

// Seal encrypts plaintext. The empty string stays empty.
func (s *AESSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ct := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(ct), nil
}

// Open decrypts a value produced by Seal. Unsealed values are returned as is.
func (s *AESSealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "sealed value is not valid base64: %s", err.Error())
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", schema.NewError(schema.ErrCodeStore, "ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "decrypt failed: %s", err.Error())
	}
	return string(plaintext), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
