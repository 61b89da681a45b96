// Command marmotctl is a CLI front end over the core: it bootstraps a
// local identity, publishes and revokes key packages, and founds, joins,
// and messages MLS groups over a configured set of relays. Grounded on
// germtb-mlsgit/internal/cli's package-level cobra.Command orchestration
// idiom, rebuilt against Marmot's own operations since none of that
// package's commands carry over (they were all git clean/smudge specific).
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/parres-hq/marmot-go/internal/client"
	"github.com/parres-hq/marmot-go/internal/config"
	"github.com/parres-hq/marmot-go/internal/groupstore"
	"github.com/parres-hq/marmot-go/internal/keypackagestore"
	"github.com/parres-hq/marmot-go/internal/kv"
	"github.com/parres-hq/marmot-go/internal/mls"
	"github.com/parres-hq/marmot-go/internal/nostr"
	"github.com/parres-hq/marmot-go/internal/storage"
	"github.com/parres-hq/marmot-go/internal/telemetry"
)

// app bundles everything a subcommand needs: the loaded config, the
// opened stores, and the Client facade. Built once in the root command's
// PersistentPreRunE and torn down in PersistentPostRunE.
type app struct {
	cfg      config.Config
	paths    storage.Paths
	log      *zap.Logger
	kpBolt   *kv.Bolt
	gBolt    *kv.Bolt
	signer   nostr.Signer
	network  *nostr.PoolNetwork
	client   *client.Client
	signingK ed25519.PrivateKey
}

func newApp(ctx context.Context, home string, dev bool) (*app, error) {
	if home == "" {
		var err error
		home, err = defaultHome()
		if err != nil {
			return nil, err
		}
	}
	paths := storage.Paths{Home: home}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("prepare marmot home %s: %w", home, err)
	}

	cfg, err := config.Load(paths.ConfigTOML())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := telemetry.NewLogger(dev)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	// A marmot identity holds a single persisted secret (identity.key,
	// PKCS8 Ed25519). Its 32-byte seed doubles as the raw private scalar
	// the Nostr signer uses; this keeps one on-disk identity file rather
	// than a second key format solely for the Nostr side.
	priv, err := config.LoadOrCreateSigningKey(paths, nil)
	if err != nil {
		return nil, fmt.Errorf("load identity key: %w", err)
	}
	privHex := fmt.Sprintf("%x", []byte(priv.Seed()))
	signer, err := nostr.NewLocalSigner(privHex)
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}

	network := nostr.NewPoolNetwork(ctx, func(actx context.Context, evt *nostr.Event) error {
		return signer.SignEvent(actx, evt)
	})
	network.SetBootstrapRelays(cfg.Relays.Default)

	kpBolt, err := kv.OpenBolt(paths.KeyPackageDB(), "keypackages")
	if err != nil {
		return nil, fmt.Errorf("open key package store: %w", err)
	}
	gBolt, err := kv.OpenBolt(paths.GroupDB(), "groups")
	if err != nil {
		_ = kpBolt.Close()
		return nil, fmt.Errorf("open group store: %w", err)
	}

	kpStore := keypackagestore.New(kpBolt)
	gStore := groupstore.New(gBolt, "group:")
	provider := mls.NewReferenceProvider()

	c := client.New(signer, network, provider, kpStore, gStore, log)

	return &app{
		cfg:      cfg,
		paths:    paths,
		log:      log,
		kpBolt:   kpBolt,
		gBolt:    gBolt,
		signer:   signer,
		network:  network,
		client:   c,
		signingK: priv,
	}, nil
}

func (a *app) close() {
	if a.kpBolt != nil {
		_ = a.kpBolt.Close()
	}
	if a.gBolt != nil {
		_ = a.gBolt.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func defaultHome() (string, error) {
	if found, err := config.FindMarmotHome("."); err == nil {
		return found, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(dir, ".marmot"), nil
}
