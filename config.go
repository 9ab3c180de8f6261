package keybox

import (
	"log/slog"
	"time"

	"github.com/yndnr/keybox-go/internal/storage"
	"github.com/yndnr/keybox-go/internal/storage/seglog"
	"github.com/yndnr/keybox-go/pkg/codec"
	"github.com/yndnr/keybox-go/pkg/crypto/adaptive"
)

// Mode selects how a namespace is loaded.
type Mode = storage.Mode

const (
	// ModeEager keeps the whole namespace resident in memory after
	// Initialize. Reads never touch the medium.
	ModeEager = storage.ModeEager

	// ModeOnDemand keeps only an index resident; values are fetched from
	// the medium per access.
	ModeOnDemand = storage.ModeOnDemand
)

// EncryptionConfig configures optional at-rest encryption for a namespace.
// Either Key or Passphrase may be set, not both. Encryption applies
// uniformly to every entry for the namespace's entire lifetime.
type EncryptionConfig struct {
	// Enabled turns on the at-rest transform.
	Enabled bool `koanf:"enabled"`

	// Key is a raw cipher key (16, 24 or 32 bytes). Takes precedence over
	// Passphrase.
	Key []byte `koanf:"-"`

	// Passphrase derives a key via Argon2id when Key is empty.
	Passphrase string `koanf:"passphrase"`

	// Salt is required with Passphrase when reopening an existing
	// namespace, so the same key is derived again.
	Salt []byte `koanf:"-"`

	// Algorithm forces a cipher. Empty selects one based on hardware
	// support.
	Algorithm adaptive.CipherType `koanf:"algorithm"`
}

// SweepConfig configures the optional background sweep of expired entries.
// Lazy eviction on access keeps reads correct without it; the sweep only
// bounds storage growth for keys that are never read again.
type SweepConfig struct {
	// Interval between sweep passes. Zero disables the sweeper.
	Interval time.Duration `koanf:"interval"`

	// RatePerSec caps evictions per second so a large expired backlog
	// does not starve foreground writes. Zero means unlimited.
	RatePerSec float64 `koanf:"rate_per_sec"`

	// Burst is the limiter burst size. Default: 16.
	Burst int `koanf:"burst"`
}

// Config configures one storage engine instance.
type Config struct {
	// Name identifies the namespace in logs and metrics. Default:
	// "default".
	Name string `koanf:"name"`

	// Dir is the directory holding the namespace's backing files.
	// Required.
	Dir string `koanf:"dir"`

	// Mode selects the loading strategy. Default: ModeEager.
	Mode Mode `koanf:"mode"`

	// Codec serializes values. Default: codec.JSON{}.
	Codec codec.Codec `koanf:"-"`

	// Encryption configures the optional at-rest transform.
	Encryption EncryptionConfig `koanf:"encryption"`

	// Sweep configures the optional background expiry sweep.
	Sweep SweepConfig `koanf:"sweep"`

	// Seglog tunes the eager backend's segment log.
	Seglog seglog.Config `koanf:"seglog"`

	// Badger tunes the on-demand backend.
	Badger storage.BadgerConfig `koanf:"badger"`

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger `koanf:"-"`
}

// DefaultConfig returns a Config with default values for the given
// namespace directory.
func DefaultConfig(dir string) Config {
	return Config{
		Name:  "default",
		Dir:   dir,
		Mode:  ModeEager,
		Codec: codec.JSON{},
		Sweep: SweepConfig{
			Interval:   0,
			RatePerSec: 0,
			Burst:      16,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Mode == "" {
		c.Mode = ModeEager
	}
	if c.Codec == nil {
		c.Codec = codec.JSON{}
	}
	if c.Sweep.Burst <= 0 {
		c.Sweep.Burst = 16
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
