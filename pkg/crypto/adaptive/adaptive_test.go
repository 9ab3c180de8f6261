package adaptive

import (
	"bytes"
	"errors"
	"testing"
)

var key32 = make([]byte, 32)

func init() {
	for i := range key32 {
		key32[i] = byte(i)
	}
}

func TestNew(t *testing.T) {
	cipher, err := New(key32)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cipher == nil {
		t.Fatal("New() returned nil cipher")
	}

	cipherType := cipher.Type()
	if cipherType != CipherAESGCM && cipherType != CipherChaCha20 {
		t.Errorf("New() returned unknown cipher type: %s", cipherType)
	}
}

func TestNewWithType(t *testing.T) {
	for _, ct := range []CipherType{CipherAESGCM, CipherChaCha20} {
		c, err := NewWithType(key32, ct)
		if err != nil {
			t.Fatalf("NewWithType(%s) error = %v", ct, err)
		}
		if c.Type() != ct {
			t.Errorf("NewWithType(%s) type = %s", ct, c.Type())
		}
	}

	if _, err := NewWithType(key32, "unknown-cipher"); err == nil {
		t.Error("NewWithType(unknown) should return error")
	}
}

func TestCipher_RoundTrip(t *testing.T) {
	for _, ct := range []CipherType{CipherAESGCM, CipherChaCha20} {
		c, err := NewWithType(key32, ct)
		if err != nil {
			t.Fatalf("NewWithType(%s): %v", ct, err)
		}

		plaintext := []byte("the quick brown fox")
		aad := []byte("namespace:default")

		encrypted, err := c.Encrypt(plaintext, aad)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if bytes.Contains(encrypted, plaintext) {
			t.Fatal("ciphertext contains plaintext")
		}

		decrypted, err := c.Decrypt(encrypted, aad)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Fatalf("Decrypt = %q, want %q", decrypted, plaintext)
		}
	}
}

func TestCipher_WrongKeyFails(t *testing.T) {
	c1, _ := NewAESGCM(key32)

	other := make([]byte, 32)
	other[0] = 0xFF
	c2, _ := NewAESGCM(other)

	encrypted, err := c1.Encrypt([]byte("secret"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := c2.Decrypt(encrypted, nil); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Decrypt with wrong key = %v, want ErrDecrypt", err)
	}
}

func TestCipher_TruncatedCiphertext(t *testing.T) {
	c, _ := NewChaCha20(key32)

	if _, err := c.Decrypt([]byte("short"), nil); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Decrypt(short) = %v, want ErrDecrypt", err)
	}
}

func TestNewAESGCM_KeySizes(t *testing.T) {
	for _, n := range []int{16, 24, 32} {
		if _, err := NewAESGCM(make([]byte, n)); err != nil {
			t.Errorf("NewAESGCM(%d bytes) error = %v", n, err)
		}
	}
	if _, err := NewAESGCM(make([]byte, 20)); err == nil {
		t.Error("NewAESGCM(20 bytes) should return error")
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	salt, key1, err := DeriveKey([]byte("correct horse battery"), nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(salt) != SaltLength {
		t.Fatalf("len(salt) = %d, want %d", len(salt), SaltLength)
	}

	_, key2, err := DeriveKey([]byte("correct horse battery"), salt)
	if err != nil {
		t.Fatalf("DeriveKey with salt: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Fatal("same passphrase and salt produced different keys")
	}
}

func TestDeriveKey_WeakPassphrase(t *testing.T) {
	if _, _, err := DeriveKey([]byte("short"), nil); !errors.Is(err, ErrPassphraseTooWeak) {
		t.Fatalf("DeriveKey(weak) = %v, want ErrPassphraseTooWeak", err)
	}
}

func TestFromConfig(t *testing.T) {
	// No key material: nil cipher, no error.
	c, _, err := FromConfig(Config{})
	if err != nil || c != nil {
		t.Fatalf("FromConfig(empty) = %v, %v, want nil, nil", c, err)
	}

	// Raw key.
	c, _, err = FromConfig(Config{Key: key32, Algorithm: CipherAESGCM})
	if err != nil {
		t.Fatalf("FromConfig(key): %v", err)
	}
	if c.Type() != CipherAESGCM {
		t.Fatalf("Type = %s, want %s", c.Type(), CipherAESGCM)
	}

	// Passphrase: returned salt must reproduce the same cipher.
	c1, salt, err := FromConfig(Config{Passphrase: []byte("open sesame"), Algorithm: CipherChaCha20})
	if err != nil {
		t.Fatalf("FromConfig(passphrase): %v", err)
	}
	c2, _, err := FromConfig(Config{Passphrase: []byte("open sesame"), Salt: salt, Algorithm: CipherChaCha20})
	if err != nil {
		t.Fatalf("FromConfig(passphrase+salt): %v", err)
	}

	enc, err := c1.Encrypt([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	dec, err := c2.Decrypt(enc, nil)
	if err != nil {
		t.Fatalf("Decrypt with re-derived key: %v", err)
	}
	if string(dec) != "payload" {
		t.Fatalf("Decrypt = %q, want payload", dec)
	}
}

func TestDeriveSubkey(t *testing.T) {
	k1, err := DeriveSubkey(key32, "namespace:cache", 32)
	if err != nil {
		t.Fatalf("DeriveSubkey: %v", err)
	}
	k2, _ := DeriveSubkey(key32, "namespace:secure", 32)
	if bytes.Equal(k1, k2) {
		t.Fatal("different info produced identical subkeys")
	}

	if _, err := DeriveSubkey(make([]byte, 8), "x", 32); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("DeriveSubkey(short master) = %v, want ErrKeyTooShort", err)
	}
}

func TestGenerateAndZeroKey(t *testing.T) {
	key, err := GenerateKey(32)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("len(key) = %d, want 32", len(key))
	}

	ZeroKey(key)
	for i, b := range key {
		if b != 0 {
			t.Fatalf("key[%d] = %d after ZeroKey", i, b)
		}
	}
}
