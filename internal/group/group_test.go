package group_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parres-hq/marmot-go/internal/client"
	"github.com/parres-hq/marmot-go/internal/codec"
	"github.com/parres-hq/marmot-go/internal/credential"
	"github.com/parres-hq/marmot-go/internal/envelope"
	"github.com/parres-hq/marmot-go/internal/errs"
	"github.com/parres-hq/marmot-go/internal/group"
	"github.com/parres-hq/marmot-go/internal/groupstore"
	"github.com/parres-hq/marmot-go/internal/keypackagestore"
	"github.com/parres-hq/marmot-go/internal/kv"
	"github.com/parres-hq/marmot-go/internal/mls"
	"github.com/parres-hq/marmot-go/internal/nostr"
)

const testRelay = "wss://relay.test"

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

// newFoundedState builds a single-member, single-admin group state
// directly against the provider, bypassing the client facade so the
// ordering tests can hold onto both the pre-commit and post-commit
// ClientState objects.
func newFoundedState(t *testing.T, provider *mls.ReferenceProvider, groupID [32]byte, relays []string) (*mls.ClientState, nostr.Signer, string) {
	t.Helper()
	signer, err := nostr.NewLocalSigner(gonostr.GeneratePrivateKey())
	require.NoError(t, err)
	pubkeyHex, err := signer.GetPublicKey(context.Background())
	require.NoError(t, err)

	cred, err := credential.Create(pubkeyHex)
	require.NoError(t, err)
	kp, err := credential.GenerateKeyPackage(cred, provider, 1700000000)
	require.NoError(t, err)

	raw, err := hex.DecodeString(pubkeyHex)
	require.NoError(t, err)
	var adminRaw [32]byte
	copy(adminRaw[:], raw)

	state, err := provider.NewGroup(groupID[:], cred, kp, mls.MarmotGroupData{
		Version:      1,
		NostrGroupID: groupID,
		Relays:       relays,
		AdminPubkeys: [][32]byte{adminRaw},
	}, kp.Private.SignaturePrivateKey)
	require.NoError(t, err)
	return state, signer, pubkeyHex
}

func newAddProposal(t *testing.T, provider *mls.ReferenceProvider) mls.Proposal {
	t.Helper()
	signer, err := nostr.NewLocalSigner(gonostr.GeneratePrivateKey())
	require.NoError(t, err)
	pubkeyHex, err := signer.GetPublicKey(context.Background())
	require.NoError(t, err)
	cred, err := credential.Create(pubkeyHex)
	require.NoError(t, err)
	kp, err := credential.GenerateKeyPackage(cred, provider, 1700000000)
	require.NoError(t, err)
	return mls.Proposal{Type: mls.ProposalAdd, KeyPackage: &kp.Public}
}

// sealedCommitEvent seals msg under sealState's exporter secret (the epoch
// the commit produces, §4.E) and wraps it as a signed kind-445 event with
// an explicit created_at, so ordering tests can control arrival order
// independent of wall-clock time.
func sealedCommitEvent(t *testing.T, signer nostr.Signer, sealState *mls.ClientState, nostrGroupID [32]byte, msg mls.MLSMessage, createdAt int64) nostr.Event {
	t.Helper()
	ctx := context.Background()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	ciphertext, err := envelope.Seal(sealState, raw)
	require.NoError(t, err)
	pubkeyHex, err := signer.GetPublicKey(ctx)
	require.NoError(t, err)
	evt := codec.BuildGroupMessageEvent(pubkeyHex, nostrGroupID, ciphertext, createdAt)
	require.NoError(t, signer.SignEvent(ctx, &evt))
	return evt
}

// TestIngestAppliesRemoteCommit covers §8 S1: a member who joined via
// Welcome ingests a later commit published by another member and reaches
// the same epoch and membership.
func TestIngestAppliesRemoteCommit(t *testing.T) {
	network := nostr.NewMemoryNetwork()
	founder, founderPubkey := newTestClient(t, network)
	joiner, joinerPubkey := newTestClient(t, network)
	ctx := context.Background()

	network.SetInboxRelays(joinerPubkey, []string{testRelay})

	_, err := joiner.PublishKeyPackage(ctx, []string{testRelay})
	require.NoError(t, err)
	kpEvents, err := network.Request(ctx, []string{testRelay}, nostr.Filter{Kinds: []int{443}})
	require.NoError(t, err)
	require.Len(t, kpEvents, 1)

	var groupID [32]byte
	copy(groupID[:], []byte("s1-ingest-group-0123456789abcdef"))

	founderGroup, err := founder.CreateGroup(ctx, groupID[:], mls.MarmotGroupData{
		Version: 1, NostrGroupID: groupID, Relays: []string{testRelay},
	})
	require.NoError(t, err)

	parsed, err := codec.ParseKeyPackageEvent(kpEvents[0])
	require.NoError(t, err)
	require.NoError(t, founderGroup.Commit(ctx, founderPubkey, []mls.Proposal{{Type: mls.ProposalAdd, KeyPackage: &parsed.Public}}))

	wraps, err := network.Request(ctx, []string{testRelay}, nostr.Filter{Kinds: []int{1059}})
	require.NoError(t, err)
	require.Len(t, wraps, 1)
	w, _, _, err := joiner.ReceiveWelcome(ctx, wraps[0])
	require.NoError(t, err)
	resolvedRef, err := joiner.FindKeyPackageRef(ctx, w)
	require.NoError(t, err)
	joinerGroup, err := joiner.JoinGroup(ctx, w, resolvedRef)
	require.NoError(t, err)
	require.Equal(t, founderGroup.Epoch(), joinerGroup.Epoch())

	// Founder commits again; joiner never sees this directly, only through
	// Ingest, exercising the decrypt/apply path a running client would use
	// when draining its relay subscription.
	require.NoError(t, founderGroup.Commit(ctx, founderPubkey, []mls.Proposal{{Type: mls.ProposalUpdate}}))
	require.Equal(t, joinerGroup.Epoch()+1, founderGroup.Epoch())

	commitEvents, err := network.Request(ctx, []string{testRelay}, nostr.Filter{Kinds: []int{445}})
	require.NoError(t, err)
	require.NotEmpty(t, commitEvents)
	latest := commitEvents[len(commitEvents)-1]

	applications, err := joinerGroup.Ingest(ctx, []nostr.Event{latest})
	require.NoError(t, err)
	require.Empty(t, applications)
	require.Equal(t, founderGroup.Epoch(), joinerGroup.Epoch())
	require.Equal(t, founderGroup.MemberCount(), joinerGroup.MemberCount())
}

// TestIngestConcurrentCommitTiebreak covers §8 S2: two commits built
// against the same pre-commit epoch (simulating two members racing to
// commit) resolve deterministically by (epoch, created_at, event id) —
// the earlier one applies, the later one lands as stale and is dropped.
func TestIngestConcurrentCommitTiebreak(t *testing.T) {
	provider := mls.NewReferenceProvider()
	var groupID [32]byte
	copy(groupID[:], []byte("s2-tiebreak-group-0123456789abcd"))

	state, signer, _ := newFoundedState(t, provider, groupID, []string{testRelay})

	commitA, newStateA, _, err := provider.CreateCommit(state, []mls.Proposal{newAddProposal(t, provider)})
	require.NoError(t, err)
	commitB, newStateB, _, err := provider.CreateCommit(state, []mls.Proposal{newAddProposal(t, provider)})
	require.NoError(t, err)
	require.Equal(t, commitA.Epoch, commitB.Epoch, "both commits are stamped with the same pre-commit epoch")

	evtA := sealedCommitEvent(t, signer, newStateA, groupID, commitA, 1000)
	evtB := sealedCommitEvent(t, signer, newStateB, groupID, commitB, 2000)

	network := nostr.NewMemoryNetwork()
	store := groupstore.New(kv.NewMemory(), "s2")
	receiver := group.New(state, provider, network, signer, store, nil, zap.NewNop())

	// Deliver out of creation order; sortCommits must still pick evtA.
	applications, err := receiver.Ingest(context.Background(), []nostr.Event{evtB, evtA})
	require.NoError(t, err)
	require.Empty(t, applications)
	require.Equal(t, state.Epoch+1, receiver.Epoch(), "exactly one epoch advance for the batch")
	require.Equal(t, newStateA.Tree.MemberCount(), receiver.MemberCount(), "the earlier commit (evtA) is the one that applied")
}

// TestIngestOutOfOrderRequeue covers §8 S3: a commit two epochs ahead of
// the running state cannot be decrypted or applied until the intervening
// commit has been, so ingest must requeue it and resolve both within one
// call once the intervening commit unblocks it.
func TestIngestOutOfOrderRequeue(t *testing.T) {
	provider := mls.NewReferenceProvider()
	var groupID [32]byte
	copy(groupID[:], []byte("s3-requeue-group-0123456789abcde"))

	state, signer, _ := newFoundedState(t, provider, groupID, []string{testRelay})

	commit1, state1, _, err := provider.CreateCommit(state, []mls.Proposal{newAddProposal(t, provider)})
	require.NoError(t, err)
	commit2, state2, _, err := provider.CreateCommit(state1, []mls.Proposal{newAddProposal(t, provider)})
	require.NoError(t, err)

	evt1 := sealedCommitEvent(t, signer, state1, groupID, commit1, 1000)
	evt2 := sealedCommitEvent(t, signer, state2, groupID, commit2, 2000)

	network := nostr.NewMemoryNetwork()
	store := groupstore.New(kv.NewMemory(), "s3")
	receiver := group.New(state, provider, network, signer, store, nil, zap.NewNop())

	// evt2 arrives first and is two epochs ahead of the receiver; it must
	// be parked and retried, not fail the whole batch.
	applications, err := receiver.Ingest(context.Background(), []nostr.Event{evt2, evt1})
	require.NoError(t, err)
	require.Empty(t, applications)
	require.Equal(t, state2.Epoch, receiver.Epoch())
	require.Equal(t, state2.Tree.MemberCount(), receiver.MemberCount())
}

// TestIngestIsIdempotent covers testable property 8: ingesting the same
// batch twice leaves the group in the same state as ingesting it once.
func TestIngestIsIdempotent(t *testing.T) {
	provider := mls.NewReferenceProvider()
	var groupID [32]byte
	copy(groupID[:], []byte("s8-idempotent-group-0123456789ab"))

	state, signer, _ := newFoundedState(t, provider, groupID, []string{testRelay})
	commit1, state1, _, err := provider.CreateCommit(state, []mls.Proposal{newAddProposal(t, provider)})
	require.NoError(t, err)
	evt1 := sealedCommitEvent(t, signer, state1, groupID, commit1, 1000)

	network := nostr.NewMemoryNetwork()
	store := groupstore.New(kv.NewMemory(), "s8")
	receiver := group.New(state, provider, network, signer, store, nil, zap.NewNop())

	_, err = receiver.Ingest(context.Background(), []nostr.Event{evt1})
	require.NoError(t, err)
	require.Equal(t, state1.Epoch, receiver.Epoch())

	_, err = receiver.Ingest(context.Background(), []nostr.Event{evt1})
	require.NoError(t, err, "a replayed, now-stale commit must be dropped silently, not exhaust retries")
	require.Equal(t, state1.Epoch, receiver.Epoch())
}

// TestCommitRequiresAdmin covers §8 S4: commit is admin-only regardless of
// which proposal types it carries (§4.F.1, testable property 2).
func TestCommitRequiresAdmin(t *testing.T) {
	provider := mls.NewReferenceProvider()
	var groupID [32]byte
	copy(groupID[:], []byte("s4-notadmin-group-0123456789abcd"))

	state, signer, _ := newFoundedState(t, provider, groupID, []string{testRelay})

	network := nostr.NewMemoryNetwork()
	store := groupstore.New(kv.NewMemory(), "s4")
	g := group.New(state, provider, network, signer, store, nil, zap.NewNop())

	nonAdminSigner, err := nostr.NewLocalSigner(gonostr.GeneratePrivateKey())
	require.NoError(t, err)
	nonAdminPubkey, err := nonAdminSigner.GetPublicKey(context.Background())
	require.NoError(t, err)

	startEpoch := g.Epoch()
	err = g.Commit(context.Background(), nonAdminPubkey, []mls.Proposal{newAddProposal(t, provider)})
	require.ErrorIs(t, err, errs.ErrNotAdmin)
	require.Equal(t, startEpoch, g.Epoch())

	events, err := network.Request(context.Background(), []string{testRelay}, nostr.Filter{Kinds: []int{445}})
	require.NoError(t, err)
	require.Empty(t, events, "a rejected commit must never be published")
}

// TestCommitNoRelayAck covers §8 S5: if no relay acknowledges the
// published commit, Commit reports it and leaves the epoch unchanged
// (testable property 9).
func TestCommitNoRelayAck(t *testing.T) {
	provider := mls.NewReferenceProvider()
	var groupID [32]byte
	copy(groupID[:], []byte("s5-noack-group-0123456789abcdef0"))

	state, signer, adminPubkey := newFoundedState(t, provider, groupID, []string{testRelay})

	network := nostr.NewMemoryNetwork()
	network.SetRelayAcksPublishes(testRelay, false)
	store := groupstore.New(kv.NewMemory(), "s5")
	g := group.New(state, provider, network, signer, store, nil, zap.NewNop())

	startEpoch := g.Epoch()
	err := g.Commit(context.Background(), adminPubkey, []mls.Proposal{newAddProposal(t, provider)})
	var noAck *errs.NoRelayReceivedEvent
	require.ErrorAs(t, err, &noAck)
	require.Equal(t, startEpoch, g.Epoch())
}
