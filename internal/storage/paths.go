// Package storage provides filesystem path helpers for a marmot identity
// home directory (.marmot/).
package storage

import (
	"os"
	"path/filepath"
)

// Paths contains all well-known paths derived from a marmot identity's
// home directory, adapted from the teacher's committed-vs-local split
// (.mlsgit/ vs .git/mlsgit/) into a single local-only layout: nothing a
// marmot identity owns is meant to be checked into a shared repository.
type Paths struct {
	Home string
}

func (p Paths) ConfigTOML() string   { return filepath.Join(p.Home, "config.toml") }
func (p Paths) PrivateKey() string   { return filepath.Join(p.Home, "identity.key") }
func (p Paths) KeyPackageDB() string { return filepath.Join(p.Home, "keypackages.bolt") }
func (p Paths) GroupDB() string      { return filepath.Join(p.Home, "groups.bolt") }
func (p Paths) CacheDir() string     { return filepath.Join(p.Home, "cache") }

// EnsureDirs creates all required directories (idempotent).
func (p Paths) EnsureDirs() error {
	dirs := []string{
		p.Home,
		p.CacheDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}
