package adaptive

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Key derivation errors.
var (
	ErrKeyTooShort       = errors.New("adaptive: encryption key too short (minimum 16 bytes)")
	ErrPassphraseTooWeak = errors.New("adaptive: passphrase too weak (minimum 8 characters)")
)

const (
	// MinKeyLength is the minimum key length for encryption.
	MinKeyLength = 16

	// MinPassphraseLength is the minimum passphrase length.
	MinPassphraseLength = 8

	// SaltLength is the fixed salt length used in key derivation.
	SaltLength = 16

	// Argon2id parameters for key derivation from passphrases.
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// Config configures cipher construction from key material.
//
// Either Key or Passphrase must be provided; when both are set,
// Passphrase wins.
type Config struct {
	// Key is the raw encryption key (32 bytes for AES-256).
	Key []byte

	// Passphrase derives the encryption key via Argon2id.
	Passphrase []byte

	// Salt is required to derive the same key for decryption.
	// If nil, a new random salt is generated (first-use path); the caller
	// must persist the returned salt to decrypt later.
	Salt []byte

	// Algorithm selects the cipher ("aes-gcm", "chacha20-poly1305").
	// Empty selects adaptively based on hardware.
	Algorithm CipherType
}

// ValidateConfig validates the key material configuration.
func ValidateConfig(cfg Config) error {
	if len(cfg.Passphrase) > 0 {
		if len(cfg.Passphrase) < MinPassphraseLength {
			return ErrPassphraseTooWeak
		}
		return nil
	}

	if len(cfg.Key) > 0 && len(cfg.Key) < MinKeyLength {
		return ErrKeyTooShort
	}

	return nil
}

// FromConfig creates a cipher from the configuration.
//
// Returns a nil cipher when no key material is configured. For
// passphrase-based derivation it also returns the salt that was used;
// the caller should persist it alongside the data.
func FromConfig(cfg Config) (Cipher, []byte, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, nil, err
	}

	var key, salt []byte
	switch {
	case len(cfg.Passphrase) > 0:
		var err error
		salt, key, err = DeriveKey(cfg.Passphrase, cfg.Salt)
		if err != nil {
			return nil, nil, err
		}
	case len(cfg.Key) > 0:
		key = cfg.Key
	default:
		return nil, nil, nil
	}

	if cfg.Algorithm == "" {
		c, err := New(key)
		return c, salt, err
	}

	c, err := NewWithType(key, cfg.Algorithm)
	return c, salt, err
}

// DeriveKey derives a 32-byte key from a passphrase using Argon2id.
//
// If salt is nil, a new random salt is generated. The salt actually used
// is returned so it can be persisted for later derivation.
func DeriveKey(passphrase, salt []byte) (usedSalt, key []byte, err error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, nil, ErrPassphraseTooWeak
	}

	if salt == nil {
		salt = make([]byte, SaltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, fmt.Errorf("adaptive: derive key: %w", err)
		}
	}

	key = argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return salt, key, nil
}

// DeriveSubkey derives a subkey from a master key using HKDF.
//
// Useful for deriving separate keys for different namespaces from one
// master key.
func DeriveSubkey(masterKey []byte, info string, length int) ([]byte, error) {
	if len(masterKey) < MinKeyLength {
		return nil, ErrKeyTooShort
	}

	reader := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("adaptive: derive subkey: %w", err)
	}
	return key, nil
}

// GenerateKey generates a random encryption key of the specified length.
func GenerateKey(length int) ([]byte, error) {
	if length < MinKeyLength {
		return nil, ErrKeyTooShort
	}

	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("adaptive: generate key: %w", err)
	}
	return key, nil
}

// ZeroKey securely zeros a key in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
