package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDirs(t *testing.T) {
	tmp := t.TempDir()
	p := Paths{Home: filepath.Join(tmp, ".marmot")}

	if err := p.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{p.Home, p.CacheDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestPathLayout(t *testing.T) {
	p := Paths{Home: "/home/user/.marmot"}

	if got, want := p.ConfigTOML(), "/home/user/.marmot/config.toml"; got != want {
		t.Errorf("ConfigTOML() = %q, want %q", got, want)
	}
	if got, want := p.PrivateKey(), "/home/user/.marmot/identity.key"; got != want {
		t.Errorf("PrivateKey() = %q, want %q", got, want)
	}
	if got, want := p.KeyPackageDB(), "/home/user/.marmot/keypackages.bolt"; got != want {
		t.Errorf("KeyPackageDB() = %q, want %q", got, want)
	}
	if got, want := p.GroupDB(), "/home/user/.marmot/groups.bolt"; got != want {
		t.Errorf("GroupDB() = %q, want %q", got, want)
	}
}
