package config

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/parres-hq/marmot-go/internal/crypto"
	"github.com/parres-hq/marmot-go/internal/storage"
)

// LoadOrCreateSigningKey loads the local identity's MLS signing key from
// paths.PrivateKey(), generating and persisting a fresh one on first run.
// passphrase may be nil, in which case crypto.LoadPrivateKey falls back to
// the MARMOT_PASSPHRASE environment variable, and a freshly generated key
// is written unencrypted.
func LoadOrCreateSigningKey(paths storage.Paths, passphrase []byte) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(paths.PrivateKey())
	if err == nil {
		key, err := crypto.LoadPrivateKey(string(data), passphrase)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	priv, _, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	pemStr, err := crypto.PrivateKeyToPEM(priv, passphrase)
	if err != nil {
		return nil, fmt.Errorf("encode signing key: %w", err)
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(paths.PrivateKey(), []byte(pemStr), 0o600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	return priv, nil
}
