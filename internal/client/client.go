// Package client implements the MarmotClient facade (§4.G): the
// application-facing entry point that owns the local identity's signer,
// network, and stores, and hands back a single running *group.Group
// instance per group id. Grounded on germtb-mlsgit/internal/cli/init.go's
// orchestration sequence (generate keys, build group, persist state,
// write identity) generalized from a one-shot CLI command into a
// long-lived facade type, and on pinpox-nitrous/nostr.go's Keys/pool
// struct shape for "one struct owns signer + network + stores".
package client

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/parres-hq/marmot-go/internal/codec"
	"github.com/parres-hq/marmot-go/internal/credential"
	"github.com/parres-hq/marmot-go/internal/errs"
	"github.com/parres-hq/marmot-go/internal/group"
	"github.com/parres-hq/marmot-go/internal/groupstore"
	"github.com/parres-hq/marmot-go/internal/keypackagestore"
	"github.com/parres-hq/marmot-go/internal/mls"
	"github.com/parres-hq/marmot-go/internal/nostr"
	"github.com/parres-hq/marmot-go/internal/welcome"
)

// resolveInboxRelaysTimeout bounds how long ReceiveWelcome may spend
// unwrapping a received gift wrap. Inbox-relay lookups for outgoing
// welcomes carry their own 30-second bound in welcome.Sender.Send.
const resolveInboxRelaysTimeout = 30 * time.Second

// Client is the application-facing facade over one local identity: it
// holds the signer, the network collaborator, the durable stores, and a
// single running *group.Group per joined group (§4.G concurrency note).
type Client struct {
	signer   nostr.Signer
	network  nostr.NetworkInterface
	provider mls.CiphersuiteProvider
	kpStore  *keypackagestore.Store
	gStore   *groupstore.Store
	welcomes *welcome.Sender
	log      *zap.Logger

	groups *xsync.MapOf[string, *group.Group]
}

// New constructs a Client. provider supplies the MLS operations; pass
// mls.NewReferenceProvider() for the bundled reference implementation.
func New(signer nostr.Signer, network nostr.NetworkInterface, provider mls.CiphersuiteProvider, kpStore *keypackagestore.Store, gStore *groupstore.Store, log *zap.Logger) *Client {
	return &Client{
		signer:   signer,
		network:  network,
		provider: provider,
		kpStore:  kpStore,
		gStore:   gStore,
		welcomes: welcome.New(signer, network),
		log:      log,
		groups:   xsync.NewMapOf[string, *group.Group](),
	}
}

// PublishKeyPackage generates a fresh key package for the local identity,
// stores its private half, and publishes the public half as a kind-443
// event to relays (§4.A, §4.C).
func (c *Client) PublishKeyPackage(ctx context.Context, relays []string) (string, error) {
	pubkeyHex, err := c.signer.GetPublicKey(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve signer pubkey: %w", err)
	}
	cred, err := credential.Create(pubkeyHex)
	if err != nil {
		return "", err
	}

	kp, err := credential.GenerateKeyPackage(cred, providerSigner{c.provider}, uint64(time.Now().Unix()))
	if err != nil {
		return "", fmt.Errorf("generate key package: %w", err)
	}
	ref, err := c.kpStore.Add(ctx, kp)
	if err != nil {
		return "", fmt.Errorf("store key package: %w", err)
	}

	evt, err := codec.BuildKeyPackageEvent(kp.Public, codec.KeyPackageEventOptions{Relays: relays, Client: "marmot-go"}, time.Now().Unix())
	if err != nil {
		return "", err
	}
	if err := c.signer.SignEvent(ctx, &evt); err != nil {
		return "", fmt.Errorf("sign key package event: %w", err)
	}
	results, err := c.network.Publish(ctx, relays, evt)
	if err != nil {
		return "", errs.Wrap(errs.ErrNetwork, "publish key package", err)
	}
	if !anyOK(results) {
		return "", &errs.NoRelayReceivedEvent{EventID: evt.ID}
	}
	return ref, nil
}

// DeleteKeyPackage removes the locally stored key package for ref and
// publishes a NIP-09 deletion event for keyPackageEventID (§4.A).
func (c *Client) DeleteKeyPackage(ctx context.Context, ref string, keyPackageEventID string, relays []string) error {
	if err := c.kpStore.Remove(ctx, ref); err != nil {
		return fmt.Errorf("remove local key package: %w", err)
	}
	pubkeyHex, err := c.signer.GetPublicKey(ctx)
	if err != nil {
		return fmt.Errorf("resolve signer pubkey: %w", err)
	}
	evt := codec.BuildDeleteKeyPackageEvent(pubkeyHex, []nostr.Event{{ID: keyPackageEventID}}, time.Now().Unix())
	if err := c.signer.SignEvent(ctx, &evt); err != nil {
		return fmt.Errorf("sign deletion event: %w", err)
	}
	if _, err := c.network.Publish(ctx, relays, evt); err != nil {
		return errs.Wrap(errs.ErrNetwork, "publish key package deletion", err)
	}
	return nil
}

// ListKeyPackages returns every local reference this identity currently
// holds a stored key package under.
func (c *Client) ListKeyPackages(ctx context.Context) ([]string, error) {
	return c.kpStore.List(ctx)
}

// CreateGroup founds a new group with the local identity as its sole
// member and admin, persists it, and returns the running Group.
func (c *Client) CreateGroup(ctx context.Context, groupID []byte, groupData mls.MarmotGroupData) (*group.Group, error) {
	pubkeyHex, err := c.signer.GetPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve signer pubkey: %w", err)
	}
	cred, err := credential.Create(pubkeyHex)
	if err != nil {
		return nil, err
	}
	founderKeys, err := credential.GenerateKeyPackage(cred, providerSigner{c.provider}, uint64(time.Now().Unix()))
	if err != nil {
		return nil, fmt.Errorf("generate founder key package: %w", err)
	}

	founderRaw, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(founderRaw) != 32 {
		return nil, errs.Wrap(errs.ErrInvalidPubkey, "signer pubkey is not 32 bytes of hex", err)
	}
	var founderPubkey [32]byte
	copy(founderPubkey[:], founderRaw)
	if !groupData.IsAdmin(founderPubkey) {
		groupData.AdminPubkeys = append(append([][32]byte(nil), groupData.AdminPubkeys...), founderPubkey)
	}

	signingKey := founderKeys.Private.SignaturePrivateKey
	state, err := c.provider.NewGroup(groupID, cred, founderKeys, groupData, signingKey)
	if err != nil {
		return nil, fmt.Errorf("found group: %w", err)
	}
	if err := c.gStore.Put(ctx, state); err != nil {
		return nil, fmt.Errorf("persist founded group: %w", err)
	}

	g := group.New(state, c.provider, c.network, c.signer, c.gStore, c.welcomes, c.log.Named("group"))
	c.groups.Store(groupIDKey(groupID), g)
	return g, nil
}

// FindKeyPackageRef locates the local reference for the key package a
// Welcome's Recipient credential names, so the caller can pass it to
// JoinGroup without having tracked which of its published key packages
// would be consumed.
func (c *Client) FindKeyPackageRef(ctx context.Context, w mls.Welcome) (string, error) {
	wantPubkeyHex, err := credential.Pubkey(w.Recipient)
	if err != nil {
		return "", fmt.Errorf("resolve welcome recipient credential: %w", err)
	}
	refs, err := c.kpStore.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list key packages: %w", err)
	}
	for _, ref := range refs {
		pub, ok, err := c.kpStore.GetPublic(ctx, ref)
		if err != nil || !ok {
			continue
		}
		pubkeyHex, err := credential.Pubkey(pub.LeafNode.Credential)
		if err != nil || pubkeyHex != wantPubkeyHex {
			continue
		}
		return ref, nil
	}
	return "", errs.Wrap(errs.ErrKeyPackageNotFound, "no local key package matches welcome recipient", nil)
}

// JoinGroup admits the local identity into a group from a received
// Welcome: it looks up the private key package the Welcome references,
// reconstructs the resulting ClientState, persists it, and registers the
// running Group.
func (c *Client) JoinGroup(ctx context.Context, w mls.Welcome, keyPackageRef string) (*group.Group, error) {
	kp, ok, err := c.kpStore.Get(ctx, keyPackageRef)
	if err != nil {
		return nil, fmt.Errorf("load key package: %w", err)
	}
	if !ok {
		return nil, errs.Wrap(errs.ErrKeyPackageNotFound, keyPackageRef, nil)
	}

	state, err := c.provider.JoinFromWelcome(w, w.NewMemberLeafIndex, kp.Private.SignaturePrivateKey)
	if err != nil {
		return nil, fmt.Errorf("join from welcome: %w", err)
	}
	if err := c.gStore.Put(ctx, state); err != nil {
		return nil, fmt.Errorf("persist joined group: %w", err)
	}

	g := group.New(state, c.provider, c.network, c.signer, c.gStore, c.welcomes, c.log.Named("group"))
	c.groups.Store(groupIDKey(state.GroupID), g)
	return g, nil
}

// GetGroup returns the single running Group instance for groupID, loading
// it from the groupstore on first access (§4.G, §5). signingKey is the
// member's own MLS signature key, needed to rehydrate the persisted
// ClientState (never itself serialized, §4.F.4).
func (c *Client) GetGroup(ctx context.Context, groupID []byte, signingKey ed25519.PrivateKey) (*group.Group, error) {
	key := groupIDKey(groupID)
	if g, ok := c.groups.Load(key); ok {
		return g, nil
	}

	state, ok, err := c.gStore.Get(ctx, groupID, signingKey)
	if err != nil {
		return nil, fmt.Errorf("load group state: %w", err)
	}
	if !ok {
		return nil, errs.Wrap(errs.ErrGroupNotFound, fmt.Sprintf("%x", groupID), nil)
	}

	g, _ := c.groups.LoadOrStore(key, group.New(state, c.provider, c.network, c.signer, c.gStore, c.welcomes, c.log.Named("group")))
	return g, nil
}

// ListGroups returns every group id this identity has persisted state
// for.
func (c *Client) ListGroups(ctx context.Context) ([]string, error) {
	return c.gStore.List(ctx)
}

// RemoveGroup evicts groupID's running instance and deletes its
// persisted state (e.g. after the local member has been removed).
func (c *Client) RemoveGroup(ctx context.Context, groupID []byte) error {
	c.groups.Delete(groupIDKey(groupID))
	return c.gStore.Remove(ctx, groupID)
}

// ReceiveWelcome resolves ctx with a bounded timeout (§5) while unwrapping
// a gift-wrapped kind-1059 event into its carried Welcome, ready to be
// passed to JoinGroup.
func (c *Client) ReceiveWelcome(ctx context.Context, wrap nostr.Event) (mls.Welcome, []string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveInboxRelaysTimeout)
	defer cancel()
	return welcome.Unwrap(ctx, c.signer, wrap)
}

func groupIDKey(groupID []byte) string {
	return fmt.Sprintf("%x", groupID)
}

func anyOK(results map[string]nostr.PublishResult) bool {
	for _, r := range results {
		if r.OK {
			return true
		}
	}
	return false
}

// providerSigner adapts mls.CiphersuiteProvider to credential.CiphersuiteSigner.
type providerSigner struct {
	p mls.CiphersuiteProvider
}

func (s providerSigner) CiphersuiteID() uint16 { return s.p.CiphersuiteID() }
func (s providerSigner) GenerateHPKEKeypair() ([]byte, []byte, error) {
	return s.p.GenerateHPKEKeypair()
}
func (s providerSigner) Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return s.p.Sign(priv, msg)
}
