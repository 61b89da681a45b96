// Package keypackagestore persists the local identity's own MLS key
// packages (§4.C): the public half published to relays and the private
// half needed to process a Welcome that references it.
package keypackagestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parres-hq/marmot-go/internal/credential"
	"github.com/parres-hq/marmot-go/internal/kv"
)

const (
	publicPrefix  = "kp/pub/"
	privatePrefix = "kp/priv/"
)

// Store holds the caller's own key packages, public and private halves,
// keyed by a reference hash of the public key package (§4.A, §4.C). It
// layers an in-memory read cache over a kv.Store the way the groupstore
// and the upstream FilterCache both do for their respective records.
type Store struct {
	backend kv.Store
	cache   *xsync.MapOf[string, credential.Complete]
}

// New wraps backend with a read-through cache.
func New(backend kv.Store) *Store {
	return &Store{
		backend: backend,
		cache:   xsync.NewMapOf[string, credential.Complete](),
	}
}

// Ref computes the reference hash of a public key package: sha256 of its
// canonical JSON encoding, hex-encoded. It is used as the storage key.
func Ref(pub credential.PublicKeyPackage) (string, error) {
	raw, err := json.Marshal(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key package: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Add stores kp and returns its reference.
func (s *Store) Add(ctx context.Context, kp credential.Complete) (string, error) {
	ref, err := Ref(kp.Public)
	if err != nil {
		return "", err
	}

	pubRaw, err := json.Marshal(kp.Public)
	if err != nil {
		return "", fmt.Errorf("marshal public key package: %w", err)
	}
	privRaw, err := json.Marshal(kp.Private)
	if err != nil {
		return "", fmt.Errorf("marshal private key package: %w", err)
	}

	if err := s.backend.Set(ctx, publicPrefix+ref, pubRaw); err != nil {
		return "", fmt.Errorf("persist public key package: %w", err)
	}
	if err := s.backend.Set(ctx, privatePrefix+ref, privRaw); err != nil {
		return "", fmt.Errorf("persist private key package: %w", err)
	}
	s.cache.Store(ref, kp)
	return ref, nil
}

// Get returns the full key package for ref.
func (s *Store) Get(ctx context.Context, ref string) (credential.Complete, bool, error) {
	if kp, ok := s.cache.Load(ref); ok {
		return kp, true, nil
	}

	pubRaw, ok, err := s.backend.Get(ctx, publicPrefix+ref)
	if err != nil {
		return credential.Complete{}, false, err
	}
	if !ok {
		return credential.Complete{}, false, nil
	}
	privRaw, ok, err := s.backend.Get(ctx, privatePrefix+ref)
	if err != nil {
		return credential.Complete{}, false, err
	}
	if !ok {
		return credential.Complete{}, false, nil
	}

	var kp credential.Complete
	if err := json.Unmarshal(pubRaw, &kp.Public); err != nil {
		return credential.Complete{}, false, fmt.Errorf("unmarshal public key package: %w", err)
	}
	if err := json.Unmarshal(privRaw, &kp.Private); err != nil {
		return credential.Complete{}, false, fmt.Errorf("unmarshal private key package: %w", err)
	}
	s.cache.Store(ref, kp)
	return kp, true, nil
}

// GetPublic is a convenience accessor for callers that only need the
// published half (e.g. rendering a KeyPackage event for republishing).
func (s *Store) GetPublic(ctx context.Context, ref string) (credential.PublicKeyPackage, bool, error) {
	kp, ok, err := s.Get(ctx, ref)
	return kp.Public, ok, err
}

// Has reports whether ref is known.
func (s *Store) Has(ctx context.Context, ref string) (bool, error) {
	if _, ok := s.cache.Load(ref); ok {
		return true, nil
	}
	_, ok, err := s.backend.Get(ctx, publicPrefix+ref)
	return ok, err
}

// Remove deletes ref's key package, e.g. once the corresponding Add
// proposal has been committed and the KeyPackage event deleted (§4.A).
func (s *Store) Remove(ctx context.Context, ref string) error {
	s.cache.Delete(ref)
	if err := s.backend.Remove(ctx, publicPrefix+ref); err != nil {
		return err
	}
	return s.backend.Remove(ctx, privatePrefix+ref)
}

// List returns every known reference.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, k := range keys {
		if ref, ok := cutPrefix(k, publicPrefix); ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// Count returns the number of stored key packages.
func (s *Store) Count(ctx context.Context) (int, error) {
	refs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(refs), nil
}

// Clear removes every stored key package.
func (s *Store) Clear(ctx context.Context) error {
	s.cache.Clear()
	return s.backend.Clear(ctx)
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}
