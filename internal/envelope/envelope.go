// Package envelope implements the two-layer encryption Marmot group
// messages use on the wire (§4.E): an MLS-serialized MLSMessage is
// NIP-44-encrypted with a key derived from the group's per-epoch exporter
// secret, then carried as the content of a kind-445 event (§4.A).
//
// NIP-44 itself derives its symmetric key from an ECDH shared point; here
// there is no peer keypair to ECDH against — every member already shares
// the same exporter secret — so GenerateConversationKey is not used.
// Instead the conversation key is derived straight from the exporter
// secret with HKDF, and fed to nip44's Encrypt/Decrypt, which accept any
// 32-byte key regardless of how it was produced.
package envelope

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/nbd-wtf/go-nostr/nip44"
	"golang.org/x/crypto/hkdf"

	"github.com/parres-hq/marmot-go/internal/errs"
	"github.com/parres-hq/marmot-go/internal/mls"
)

const conversationKeyLabel = "marmot/nip44-key"

// DeriveConversationKey derives the NIP-44 symmetric key for a given
// epoch's exporter secret.
func DeriveConversationKey(exporterSecret []byte) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, exporterSecret, nil, []byte(conversationKeyLabel))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive conversation key: %w", err)
	}
	return key, nil
}

// Seal encrypts a serialized MLSMessage under state's current epoch
// exporter secret, producing the content for a kind-445 event.
func Seal(state *mls.ClientState, serializedMessage []byte) (string, error) {
	key, err := DeriveConversationKey(state.ExporterSecret)
	if err != nil {
		return "", errs.Wrap(errs.ErrCrypto, "derive key", err)
	}
	ciphertext, err := nip44.Encrypt(string(serializedMessage), key)
	if err != nil {
		return "", errs.Wrap(errs.ErrCrypto, "nip44 encrypt", err)
	}
	return ciphertext, nil
}

// EpochSecretLookup resolves the exporter secret for a given epoch,
// returning ok=false if the epoch is unknown. The group package supplies
// this from whatever epoch history it retains, since a commit can race
// an application message encrypted one epoch behind (§4.E, §4.F.2).
type EpochSecretLookup func(epoch uint64) (exporterSecret []byte, ok bool)

// Open trial-decrypts ciphertext against candidateEpochs in order,
// returning the first epoch whose derived key succeeds. Marmot messages
// are rarely more than one epoch stale, but callers decide how many
// epochs back to offer.
func Open(ciphertext string, candidateEpochs []uint64, lookup EpochSecretLookup) (plaintext []byte, epoch uint64, err error) {
	var lastErr error
	for _, ep := range candidateEpochs {
		secret, ok := lookup(ep)
		if !ok {
			continue
		}
		key, derr := DeriveConversationKey(secret)
		if derr != nil {
			lastErr = derr
			continue
		}
		pt, derr := nip44.Decrypt(ciphertext, key)
		if derr != nil {
			lastErr = derr
			continue
		}
		return []byte(pt), ep, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate epochs offered")
	}
	return nil, 0, errs.Wrap(errs.ErrCrypto, "decrypt group event against all candidate epochs", lastErr)
}
