package nostr

import (
	"context"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"
)

// LocalSigner is a Signer backed by a private key held in process memory.
// Grounded on pinpox-nitrous's own `keyer.NewPlainKeySigner(keys.SK)` call
// for turning a raw nsec hex into the go-nostr Keyer every signing and
// NIP-44 call in that codebase goes through.
type LocalSigner struct {
	kr gonostr.Keyer
}

// NewLocalSigner wraps privateKeyHex (32-byte hex, no nsec prefix).
func NewLocalSigner(privateKeyHex string) (*LocalSigner, error) {
	kr, err := keyer.NewPlainKeySigner(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{kr: kr}, nil
}

func (s *LocalSigner) GetPublicKey(ctx context.Context) (string, error) {
	return s.kr.GetPublicKey(ctx)
}

func (s *LocalSigner) SignEvent(ctx context.Context, evt *Event) error {
	return s.kr.SignEvent(ctx, evt)
}

func (s *LocalSigner) Encrypt(ctx context.Context, plaintext, peerPubkeyHex string) (string, error) {
	return s.kr.Encrypt(ctx, plaintext, peerPubkeyHex)
}

func (s *LocalSigner) Decrypt(ctx context.Context, ciphertext, peerPubkeyHex string) (string, error) {
	return s.kr.Decrypt(ctx, ciphertext, peerPubkeyHex)
}
