package client_test

import (
	"context"
	"testing"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parres-hq/marmot-go/internal/client"
	"github.com/parres-hq/marmot-go/internal/codec"
	"github.com/parres-hq/marmot-go/internal/groupstore"
	"github.com/parres-hq/marmot-go/internal/keypackagestore"
	"github.com/parres-hq/marmot-go/internal/kv"
	"github.com/parres-hq/marmot-go/internal/mls"
	"github.com/parres-hq/marmot-go/internal/nostr"
)

func newTestClient(t *testing.T, network *nostr.MemoryNetwork) (*client.Client, string) {
	t.Helper()
	signer, err := nostr.NewLocalSigner(gonostr.GeneratePrivateKey())
	require.NoError(t, err)
	pubkeyHex, err := signer.GetPublicKey(context.Background())
	require.NoError(t, err)

	kpStore := keypackagestore.New(kv.NewMemory())
	gStore := groupstore.New(kv.NewMemory(), "group:")
	c := client.New(signer, network, mls.NewReferenceProvider(), kpStore, gStore, zap.NewNop())
	return c, pubkeyHex
}

const testRelay = "wss://relay.test"

func TestPublishAndListKeyPackages(t *testing.T) {
	network := nostr.NewMemoryNetwork()
	c, _ := newTestClient(t, network)
	ctx := context.Background()

	ref, err := c.PublishKeyPackage(ctx, []string{testRelay})
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	refs, err := c.ListKeyPackages(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{ref}, refs)

	events, err := network.Request(ctx, []string{testRelay}, nostr.Filter{Kinds: []int{443}})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestDeleteKeyPackage(t *testing.T) {
	network := nostr.NewMemoryNetwork()
	c, _ := newTestClient(t, network)
	ctx := context.Background()

	ref, err := c.PublishKeyPackage(ctx, []string{testRelay})
	require.NoError(t, err)

	events, err := network.Request(ctx, []string{testRelay}, nostr.Filter{Kinds: []int{443}})
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, c.DeleteKeyPackage(ctx, ref, events[0].ID, []string{testRelay}))

	refs, err := c.ListKeyPackages(ctx)
	require.NoError(t, err)
	require.Empty(t, refs)

	deletions, err := network.Request(ctx, []string{testRelay}, nostr.Filter{Kinds: []int{5}})
	require.NoError(t, err)
	require.Len(t, deletions, 1)
}

func TestCreateGroupInviteAndJoin(t *testing.T) {
	network := nostr.NewMemoryNetwork()
	founder, founderPubkey := newTestClient(t, network)
	joiner, joinerPubkey := newTestClient(t, network)
	ctx := context.Background()

	network.SetInboxRelays(joinerPubkey, []string{testRelay})

	joinerRef, err := joiner.PublishKeyPackage(ctx, []string{testRelay})
	require.NoError(t, err)

	kpEvents, err := network.Request(ctx, []string{testRelay}, nostr.Filter{Kinds: []int{443}})
	require.NoError(t, err)
	require.Len(t, kpEvents, 1)

	var groupID [32]byte
	copy(groupID[:], []byte("test-group-0123456789abcdef0123"))

	g, err := founder.CreateGroup(ctx, groupID[:], mls.MarmotGroupData{
		Version:      1,
		NostrGroupID: groupID,
		Name:         "test group",
		Relays:       []string{testRelay},
	})
	require.NoError(t, err)
	require.Equal(t, 1, g.MemberCount())

	parsed, err := codec.ParseKeyPackageEvent(kpEvents[0])
	require.NoError(t, err)

	require.NoError(t, g.Commit(ctx, founderPubkey, []mls.Proposal{{Type: mls.ProposalAdd, KeyPackage: &parsed.Public}}))
	require.Equal(t, 2, g.MemberCount())

	wraps, err := network.Request(ctx, []string{testRelay}, nostr.Filter{Kinds: []int{1059}})
	require.NoError(t, err)
	require.Len(t, wraps, 1)

	w, _, _, err := joiner.ReceiveWelcome(ctx, wraps[0])
	require.NoError(t, err)

	resolvedRef, err := joiner.FindKeyPackageRef(ctx, w)
	require.NoError(t, err)
	require.Equal(t, joinerRef, resolvedRef)

	joinedGroup, err := joiner.JoinGroup(ctx, w, resolvedRef)
	require.NoError(t, err)
	require.Equal(t, g.GroupID(), joinedGroup.GroupID())
	require.Equal(t, g.Epoch(), joinedGroup.Epoch())
}

func TestListAndRemoveGroups(t *testing.T) {
	network := nostr.NewMemoryNetwork()
	c, _ := newTestClient(t, network)
	ctx := context.Background()

	var groupID [32]byte
	copy(groupID[:], []byte("another-group-0123456789abcdefg"))

	_, err := c.CreateGroup(ctx, groupID[:], mls.MarmotGroupData{Version: 1, NostrGroupID: groupID, Relays: []string{testRelay}})
	require.NoError(t, err)

	ids, err := c.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.NoError(t, c.RemoveGroup(ctx, groupID[:]))

	ids, err = c.ListGroups(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}
