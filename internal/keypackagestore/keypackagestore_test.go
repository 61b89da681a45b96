package keypackagestore_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parres-hq/marmot-go/internal/credential"
	"github.com/parres-hq/marmot-go/internal/keypackagestore"
	"github.com/parres-hq/marmot-go/internal/kv"
	"github.com/parres-hq/marmot-go/internal/mls"
)

func testKeyPackage(t *testing.T) credential.Complete {
	t.Helper()
	cred, err := credential.Create("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	provider := mls.NewReferenceProvider()
	kp, err := credential.GenerateKeyPackage(cred, providerSigner{provider}, 1700000000)
	require.NoError(t, err)
	return kp
}

type providerSigner struct{ p *mls.ReferenceProvider }

func (s providerSigner) CiphersuiteID() uint16 { return s.p.CiphersuiteID() }
func (s providerSigner) GenerateHPKEKeypair() ([]byte, []byte, error) {
	return s.p.GenerateHPKEKeypair()
}
func (s providerSigner) Sign(priv ed25519.PrivateKey, msg []byte) []byte { return s.p.Sign(priv, msg) }

func TestAddGetRoundtrip(t *testing.T) {
	store := keypackagestore.New(kv.NewMemory())
	ctx := context.Background()
	kp := testKeyPackage(t)

	ref, err := store.Add(ctx, kp)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	got, ok, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kp.Public, got.Public)
	require.Equal(t, kp.Private.SignaturePrivateKey, got.Private.SignaturePrivateKey)

	pub, ok, err := store.GetPublic(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kp.Public, pub)
}

func TestRefIsDeterministic(t *testing.T) {
	kp := testKeyPackage(t)
	ref1, err := keypackagestore.Ref(kp.Public)
	require.NoError(t, err)
	ref2, err := keypackagestore.Ref(kp.Public)
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)
}

func TestHasRemoveListCount(t *testing.T) {
	store := keypackagestore.New(kv.NewMemory())
	ctx := context.Background()

	has, err := store.Has(ctx, "nonexistent")
	require.NoError(t, err)
	require.False(t, has)

	kp1 := testKeyPackage(t)
	kp2 := testKeyPackage(t)
	ref1, err := store.Add(ctx, kp1)
	require.NoError(t, err)
	ref2, err := store.Add(ctx, kp2)
	require.NoError(t, err)
	require.NotEqual(t, ref1, ref2)

	has, err = store.Has(ctx, ref1)
	require.NoError(t, err)
	require.True(t, has)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	refs, err := store.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{ref1, ref2}, refs)

	require.NoError(t, store.Remove(ctx, ref1))
	has, err = store.Has(ctx, ref1)
	require.NoError(t, err)
	require.False(t, has)

	count, err = store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestClear(t *testing.T) {
	store := keypackagestore.New(kv.NewMemory())
	ctx := context.Background()

	_, err := store.Add(ctx, testKeyPackage(t))
	require.NoError(t, err)
	_, err = store.Add(ctx, testKeyPackage(t))
	require.NoError(t, err)

	require.NoError(t, store.Clear(ctx))

	refs, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestGetMissingReturnsNotOK(t *testing.T) {
	store := keypackagestore.New(kv.NewMemory())
	_, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
