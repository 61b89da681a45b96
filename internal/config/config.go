// Package config provides configuration loading and well-known path helpers
// for a marmot identity: its private key, key-package/group stores, and
// default relay lists.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

const (
	// DefaultCiphersuiteID is MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519.
	DefaultCiphersuiteID = 0x0001

	// DefaultKeyPackageLifetimeSeconds is how long a published key package
	// remains valid before a client should rotate it.
	DefaultKeyPackageLifetimeSeconds = 90 * 24 * 60 * 60

	// Version is the marmot-go version string.
	Version = "0.1.0"
)

var defaultTOML = []byte(`[identity]
client = "marmot-go"

[mls]
ciphersuite = ` + fmt.Sprintf("%d", DefaultCiphersuiteID) + `
key_package_lifetime_seconds = ` + fmt.Sprintf("%d", DefaultKeyPackageLifetimeSeconds) + `

[relays]
default = []
key_package = []
`)

// RelayConfig holds the default relay lists a freshly created identity or
// group falls back to when the caller doesn't supply its own.
type RelayConfig struct {
	Default     []string `mapstructure:"default" toml:"default"`
	KeyPackage  []string `mapstructure:"key_package" toml:"key_package"`
}

// IdentityConfig holds the [identity] section: a client string and a path
// to the identity's private key. Neither field is read elsewhere in this
// module; published key packages always carry the client tag "marmot-go".
type IdentityConfig struct {
	Client         string `mapstructure:"client" toml:"client"`
	PrivateKeyPath string `mapstructure:"private_key_path" toml:"private_key_path"`
}

// MLSConfig holds the ciphersuite and key-package defaults for the local
// identity.
type MLSConfig struct {
	Ciphersuite                uint16 `mapstructure:"ciphersuite" toml:"ciphersuite"`
	KeyPackageLifetimeSeconds  int64  `mapstructure:"key_package_lifetime_seconds" toml:"key_package_lifetime_seconds"`
}

// Config is a marmot identity's full runtime configuration, loaded by
// layering defaults, an optional TOML file, and MARMOT_-prefixed
// environment variables (in that order).
type Config struct {
	Identity IdentityConfig `mapstructure:"identity" toml:"identity"`
	MLS      MLSConfig      `mapstructure:"mls" toml:"mls"`
	Relays   RelayConfig    `mapstructure:"relays" toml:"relays"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() Config {
	return Config{
		Identity: IdentityConfig{Client: "marmot-go"},
		MLS: MLSConfig{
			Ciphersuite:               DefaultCiphersuiteID,
			KeyPackageLifetimeSeconds: DefaultKeyPackageLifetimeSeconds,
		},
	}
}

// Load merges package defaults, then path (if non-empty), then
// MARMOT_-prefixed environment variables, and returns the result.
// path not existing is not an error; a malformed file is.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("MARMOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader(defaultTOML)); err != nil {
		return Config{}, fmt.Errorf("read default config: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// ToTOML serializes cfg back to its TOML representation, for writing a
// fresh config file next to a new identity.
func (c Config) ToTOML() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", fmt.Errorf("encode config TOML: %w", err)
	}
	return buf.String(), nil
}

// FindMarmotHome walks up from start (or cwd) until a .marmot directory is
// found, the way the teacher's FindGitRoot walked up to a .git directory.
// Returns os.ErrNotExist if none is found.
func FindMarmotHome(start string) (string, error) {
	if start == "" {
		var err error
		start, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("cannot get working directory: %w", err)
		}
	}
	p, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(filepath.Join(p, ".marmot"))
		if err == nil && info.IsDir() {
			return p, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no .marmot directory found above %s: %w", start, os.ErrNotExist)
		}
		p = parent
	}
}
