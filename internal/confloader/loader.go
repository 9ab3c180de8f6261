// Package confloader loads keybox namespace configuration.
//
// Configuration comes from a YAML file overridden by environment
// variables, loaded through Koanf. A file declares any number of
// namespaces; each maps onto one engine configuration.
package confloader

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	keybox "github.com/yndnr/keybox-go"
	"github.com/yndnr/keybox-go/pkg/crypto/adaptive"
)

// DefaultEnvPrefix is the default environment variable prefix.
const DefaultEnvPrefix = "KEYBOX_"

// EncryptionSection is the file form of a namespace's encryption settings.
// Raw key material is hex-encoded in the file; a passphrase is given
// verbatim.
type EncryptionSection struct {
	Enabled    bool   `koanf:"enabled"`
	Passphrase string `koanf:"passphrase"`
	KeyHex     string `koanf:"key_hex"`
	SaltHex    string `koanf:"salt_hex"`
	Algorithm  string `koanf:"algorithm"`
}

// SweepSection is the file form of a namespace's sweep settings.
type SweepSection struct {
	Interval   time.Duration `koanf:"interval"`
	RatePerSec float64       `koanf:"rate_per_sec"`
	Burst      int           `koanf:"burst"`
}

// NamespaceConfig is the file form of one namespace.
type NamespaceConfig struct {
	Dir        string            `koanf:"dir"`
	Mode       string            `koanf:"mode"`
	Encryption EncryptionSection `koanf:"encryption"`
	Sweep      SweepSection      `koanf:"sweep"`
}

// FileConfig is the root of the configuration file.
type FileConfig struct {
	Namespaces map[string]NamespaceConfig `koanf:"namespaces"`
}

// EngineConfig converts a namespace section into an engine configuration.
func (c NamespaceConfig) EngineConfig(name string) (keybox.Config, error) {
	cfg := keybox.DefaultConfig(c.Dir)
	cfg.Name = name
	if c.Mode != "" {
		cfg.Mode = keybox.Mode(c.Mode)
	}

	cfg.Encryption.Enabled = c.Encryption.Enabled
	cfg.Encryption.Passphrase = c.Encryption.Passphrase
	cfg.Encryption.Algorithm = adaptive.CipherType(c.Encryption.Algorithm)
	if c.Encryption.KeyHex != "" {
		key, err := hex.DecodeString(c.Encryption.KeyHex)
		if err != nil {
			return keybox.Config{}, fmt.Errorf("confloader: namespace %s: decode key_hex: %w", name, err)
		}
		cfg.Encryption.Key = key
	}
	if c.Encryption.SaltHex != "" {
		salt, err := hex.DecodeString(c.Encryption.SaltHex)
		if err != nil {
			return keybox.Config{}, fmt.Errorf("confloader: namespace %s: decode salt_hex: %w", name, err)
		}
		cfg.Encryption.Salt = salt
	}

	cfg.Sweep.Interval = c.Sweep.Interval
	cfg.Sweep.RatePerSec = c.Sweep.RatePerSec
	if c.Sweep.Burst > 0 {
		cfg.Sweep.Burst = c.Sweep.Burst
	}

	return cfg, nil
}

// Loader loads configuration from a file plus environment overrides.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile sets the configuration file path.
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// NewLoader creates a configuration loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads all sources and returns the parsed file configuration.
// Later sources override earlier ones: file first, then environment.
// Environment variables use the form KEYBOX_NAMESPACES_DEFAULT_DIR
// (uppercase, underscores for dots).
func (l *Loader) Load() (FileConfig, error) {
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return FileConfig{}, fmt.Errorf("confloader: load file %s: %w", l.filePath, err)
		}
	}

	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, l.envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "_", ".")
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", envTransformer), nil); err != nil {
		return FileConfig{}, fmt.Errorf("confloader: load env: %w", err)
	}

	var cfg FileConfig
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("confloader: unmarshal: %w", err)
	}
	return cfg, nil
}

// Namespace returns one namespace's engine configuration from the loaded
// sources.
func (l *Loader) Namespace(name string) (keybox.Config, error) {
	cfg, err := l.Load()
	if err != nil {
		return keybox.Config{}, err
	}

	ns, ok := cfg.Namespaces[name]
	if !ok {
		return keybox.Config{}, fmt.Errorf("confloader: namespace %s not configured", name)
	}
	return ns.EngineConfig(name)
}
