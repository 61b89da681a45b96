package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Identity.Client != "marmot-go" {
		t.Errorf("Identity.Client = %q, want %q", cfg.Identity.Client, "marmot-go")
	}
	if cfg.MLS.Ciphersuite != DefaultCiphersuiteID {
		t.Errorf("MLS.Ciphersuite = %d, want %d", cfg.MLS.Ciphersuite, DefaultCiphersuiteID)
	}
	if cfg.MLS.KeyPackageLifetimeSeconds != DefaultKeyPackageLifetimeSeconds {
		t.Errorf("MLS.KeyPackageLifetimeSeconds = %d, want %d", cfg.MLS.KeyPackageLifetimeSeconds, DefaultKeyPackageLifetimeSeconds)
	}
}

func TestLoadNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.MLS.Ciphersuite != DefaultCiphersuiteID {
		t.Errorf("Ciphersuite = %d, want default %d", cfg.MLS.Ciphersuite, DefaultCiphersuiteID)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.toml")
	contents := `
[identity]
client = "marmot-custom"

[relays]
default = ["wss://relay.example.com"]
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}
	if cfg.Identity.Client != "marmot-custom" {
		t.Errorf("Identity.Client = %q, want %q", cfg.Identity.Client, "marmot-custom")
	}
	if len(cfg.Relays.Default) != 1 || cfg.Relays.Default[0] != "wss://relay.example.com" {
		t.Errorf("Relays.Default = %v, want [wss://relay.example.com]", cfg.Relays.Default)
	}
	// Fields not present in the file keep the package default.
	if cfg.MLS.Ciphersuite != DefaultCiphersuiteID {
		t.Errorf("MLS.Ciphersuite = %d, want default %d", cfg.MLS.Ciphersuite, DefaultCiphersuiteID)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "does-not-exist.toml")

	if _, err := Load(path); err != nil {
		t.Fatalf("Load(%q) error: %v, want nil for a missing file", path, err)
	}
}

func TestConfigTOMLRoundtrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relays.Default = []string{"wss://relay.example.com"}

	text, err := cfg.ToTOML()
	if err != nil {
		t.Fatalf("ToTOML: %v", err)
	}

	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.toml")
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}

	parsed, err := Load(path)
	if err != nil {
		t.Fatalf("Load roundtrip: %v", err)
	}
	if len(parsed.Relays.Default) != 1 || parsed.Relays.Default[0] != "wss://relay.example.com" {
		t.Errorf("Relays.Default = %v, want [wss://relay.example.com]", parsed.Relays.Default)
	}
}

func TestFindMarmotHomeNotFound(t *testing.T) {
	tmp := t.TempDir()
	if _, err := FindMarmotHome(tmp); err == nil {
		t.Fatal("expected error when no .marmot directory exists")
	}
}

func TestFindMarmotHome(t *testing.T) {
	tmp := t.TempDir()
	marmotDir := filepath.Join(tmp, ".marmot")
	if err := os.MkdirAll(marmotDir, 0o755); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(tmp, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	home, err := FindMarmotHome(sub)
	if err != nil {
		t.Fatalf("FindMarmotHome(%q) error: %v", sub, err)
	}
	if home != tmp {
		t.Errorf("FindMarmotHome(%q) = %q, want %q", sub, home, tmp)
	}
}
