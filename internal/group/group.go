// Package group implements the protocol engine driving one MLS group over
// Nostr (§4.F): proposing and committing changes, sending application
// messages, and ingesting a batch of inbound events in the order the
// protocol requires.
package group

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parres-hq/marmot-go/internal/codec"
	"github.com/parres-hq/marmot-go/internal/credential"
	"github.com/parres-hq/marmot-go/internal/envelope"
	"github.com/parres-hq/marmot-go/internal/errs"
	"github.com/parres-hq/marmot-go/internal/groupstore"
	"github.com/parres-hq/marmot-go/internal/mls"
	"github.com/parres-hq/marmot-go/internal/nostr"
)

// maxIngestRetries bounds how many times ingest will requeue a commit that
// fails to apply in order before giving up (§4.F.2).
const maxIngestRetries = 5

// epochWindow is how many trailing epoch secrets ingest keeps around for
// trial decryption of messages that were in flight when the epoch
// advanced.
const epochWindow = 4

// WelcomeSender delivers a Welcome to a newly added member over their
// inbox relays. It is implemented by internal/welcome and injected so this
// package stays free of the gift-wrap/NIP-59 details.
type WelcomeSender interface {
	Send(ctx context.Context, recipientPubkeyHex string, w mls.Welcome, groupRelays []string) error
}

// Group is a running instance of one MLS group: its authoritative client
// state, the collaborators needed to advance it, and the epoch-secret
// history ingest needs for trial decryption.
type Group struct {
	mu    sync.Mutex
	state *mls.ClientState

	provider mls.CiphersuiteProvider
	network  nostr.NetworkInterface
	signer   nostr.Signer
	store    *groupstore.Store
	welcomes WelcomeSender
	log      *zap.Logger

	epochSecrets map[uint64][]byte
}

// New wraps an already-constructed ClientState (either freshly founded or
// restored from a groupstore) as a running Group.
func New(state *mls.ClientState, provider mls.CiphersuiteProvider, network nostr.NetworkInterface, signer nostr.Signer, store *groupstore.Store, welcomes WelcomeSender, log *zap.Logger) *Group {
	g := &Group{
		state:        state,
		provider:     provider,
		network:      network,
		signer:       signer,
		store:        store,
		welcomes:     welcomes,
		log:          log,
		epochSecrets: map[uint64][]byte{},
	}
	g.rememberEpochSecret(state.Epoch, state.ExporterSecret)
	return g
}

func (g *Group) rememberEpochSecret(epoch uint64, secret []byte) {
	g.epochSecrets[epoch] = append([]byte(nil), secret...)
	if len(g.epochSecrets) <= epochWindow {
		return
	}
	oldest := epoch
	for e := range g.epochSecrets {
		if e < oldest {
			oldest = e
		}
	}
	delete(g.epochSecrets, oldest)
}

// Epoch returns the group's current epoch.
func (g *Group) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Epoch
}

// MemberCount returns the number of active members.
func (g *Group) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Tree.MemberCount()
}

// GroupID returns the group's MLS group id.
func (g *Group) GroupID() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]byte(nil), g.state.GroupID...)
}

func (g *Group) isAdmin(pubkeyHex string) bool {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(raw) != 32 {
		return false
	}
	var arr [32]byte
	copy(arr[:], raw)
	return g.state.GroupData.IsAdmin(arr)
}

// Propose builds, seals, and publishes a proposal without applying it.
// Any member may propose; only the eventual committer's admin status is
// checked.
func (g *Group) Propose(ctx context.Context, prop mls.Proposal) error {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()

	msg, err := g.provider.CreateProposal(state, prop)
	if err != nil {
		return errs.Wrap(errs.ErrProposalBuild, "create proposal", err)
	}
	return g.sealAndPublish(ctx, state, msg)
}

// Commit resolves proposals (or, when empty, every currently unapplied
// proposal in deterministic order) against the current state, applies
// them, publishes the resulting commit, waits for at least one relay
// acknowledgment, persists the new state, and fans the Welcome for any
// added member out to their inbox relays (§4.F.1).
func (g *Group) Commit(ctx context.Context, callerPubkeyHex string, proposals []mls.Proposal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.isAdmin(callerPubkeyHex) {
		return errs.Wrap(errs.ErrNotAdmin, "commit requires an admin pubkey", nil)
	}

	resolved := proposals
	if len(resolved) == 0 {
		resolved = g.drainUnappliedLocked()
	}

	commitMsg, newState, welcomes, err := g.provider.CreateCommit(g.state, resolved)
	if err != nil {
		return fmt.Errorf("create commit: %w", err)
	}

	// Commits are sealed under the epoch they produce (§4.E): any holder of
	// the pre-commit epoch secret can independently derive that same key
	// via ProspectiveNextExporterSecret without having applied the commit
	// yet, so this does not require the recipient to trust the sender.
	if err := g.publish(ctx, newState, commitMsg, newState); err != nil {
		return err
	}

	if err := g.store.Put(ctx, newState); err != nil {
		return fmt.Errorf("persist committed state: %w", err)
	}
	g.state = newState
	g.rememberEpochSecret(newState.Epoch, newState.ExporterSecret)

	g.fanOutWelcomes(ctx, welcomes, newState.GroupData.Relays)
	return nil
}

// fanOutWelcomes delivers one Welcome per newly added member concurrently;
// a delivery failure is logged, not fatal, since the new member can still
// discover the group by reading committed state off the relays once their
// inbox catches up.
func (g *Group) fanOutWelcomes(ctx context.Context, welcomes []mls.Welcome, groupRelays []string) {
	if len(welcomes) == 0 || g.welcomes == nil {
		return
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, w := range welcomes {
		w := w
		eg.Go(func() error {
			recipientHex, err := credential.Pubkey(w.Recipient)
			if err != nil {
				g.log.Warn("welcome recipient has an invalid credential", zap.Error(err))
				return nil
			}
			if err := g.welcomes.Send(egCtx, recipientHex, w, groupRelays); err != nil {
				g.log.Warn("welcome delivery failed", zap.String("recipient", recipientHex), zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()
}

func (g *Group) drainUnappliedLocked() []mls.Proposal {
	refs := mls.SortedProposalRefs(g.state)
	out := make([]mls.Proposal, 0, len(refs))
	for _, ref := range refs {
		out = append(out, g.state.UnappliedProposals[ref])
	}
	return out
}

// SendApplication wraps, seals, and publishes an application-layer
// message in the group (§4.F.1).
func (g *Group) SendApplication(ctx context.Context, plaintext []byte) error {
	g.mu.Lock()
	newState, msg, err := g.provider.CreateApplicationMessage(g.state, plaintext)
	if err != nil {
		g.mu.Unlock()
		return fmt.Errorf("create application message: %w", err)
	}
	current := g.state
	g.mu.Unlock()

	if err := g.sealAndPublish(ctx, current, msg); err != nil {
		return err
	}

	g.mu.Lock()
	g.state = newState
	g.mu.Unlock()
	return nil
}

// sealAndPublish seals msg under sealState's exporter secret and publishes
// it as a kind-445 event to the group's relays, requiring at least one
// acknowledgment (§4.E, §6.2).
func (g *Group) sealAndPublish(ctx context.Context, sealState *mls.ClientState, msg mls.MLSMessage) error {
	return g.publish(ctx, sealState, msg, sealState)
}

// publish seals msg under encryptState's exporter secret (commits use the
// epoch they produce; everything else uses the caller's current epoch,
// §4.E open question) and publishes to relays drawn from publishState's
// group data.
func (g *Group) publish(ctx context.Context, encryptState *mls.ClientState, msg mls.MLSMessage, publishState *mls.ClientState) error {
	relays := publishState.GroupData.Relays
	if len(relays) == 0 {
		return errs.Wrap(errs.ErrNoGroupRelays, "group has no relays to publish to", nil)
	}

	payload, err := marshalMessage(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ciphertext, err := envelope.Seal(encryptState, payload)
	if err != nil {
		return fmt.Errorf("seal group event: %w", err)
	}

	pubkeyHex, err := g.signer.GetPublicKey(ctx)
	if err != nil {
		return fmt.Errorf("resolve signer pubkey: %w", err)
	}

	evt := codec.BuildGroupMessageEvent(pubkeyHex, publishState.GroupData.NostrGroupID, ciphertext, time.Now().Unix())
	if err := g.signer.SignEvent(ctx, &evt); err != nil {
		return fmt.Errorf("sign group event: %w", err)
	}

	results, err := g.network.Publish(ctx, relays, evt)
	if err != nil {
		return errs.Wrap(errs.ErrNetwork, "publish group event", err)
	}
	acked := false
	for _, r := range results {
		if r.OK {
			acked = true
			break
		}
	}
	if !acked {
		return &errs.NoRelayReceivedEvent{EventID: evt.ID}
	}
	return nil
}

func marshalMessage(msg mls.MLSMessage) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func unmarshalMessage(data []byte) (mls.MLSMessage, error) {
	var msg mls.MLSMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// pendingCommit is a commit event, already decrypted, waiting to be applied
// in sequence (§4.F.3).
type pendingCommit struct {
	evt     nostr.Event
	message mls.MLSMessage
}

// Ingest decrypts and applies a batch of inbound kind-445 events against
// the current state, following the algorithm in §4.F.2. Each pass decrypts
// whatever it can under the state as of that pass, processes non-commit
// messages first in arrival order, then applies commits sorted by (epoch,
// created_at, event id, §4.F.3): a commit from a strictly past epoch is
// already applied and is dropped silently (idempotent ingest, property 8);
// one more than one epoch ahead of the running state cannot yet be applied
// and is parked for a later pass. Events that fail to decrypt or whose
// commit isn't ready yet are retried in the next pass, since an earlier
// commit applied this pass may advance the state enough to make them
// readable — a commit sealed two epochs ahead only becomes decryptable
// once the intervening epoch has actually been applied. Passes are bounded
// by maxIngestRetries to prevent a batch that can never fully apply from
// looping forever.
func (g *Group) Ingest(ctx context.Context, events []nostr.Event) ([][]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var applications [][]byte
	pending := events
	retryCount := 0

	for {
		if retryCount > maxIngestRetries {
			return applications, &errs.MaxRetriesExceeded{Limit: maxIngestRetries}
		}
		if len(pending) == 0 {
			break
		}
		pending = g.ingestPassLocked(pending, &applications)
		retryCount++
	}

	if err := g.store.Put(ctx, g.state); err != nil {
		return applications, fmt.Errorf("persist ingested state: %w", err)
	}
	return applications, nil
}

// ingestPassLocked runs one decrypt-and-apply pass over events against the
// state as it stands right now, returning the events that could not be
// resolved this pass and should be retried once the state has moved on.
func (g *Group) ingestPassLocked(events []nostr.Event, applications *[][]byte) []nostr.Event {
	var unreadable []nostr.Event
	var commits []pendingCommit

	for _, evt := range events {
		plaintext, err := g.decryptLocked(evt)
		if err != nil {
			unreadable = append(unreadable, evt)
			continue
		}
		msg, err := unmarshalMessage(plaintext)
		if err != nil {
			g.log.Warn("failed to unmarshal group message", zap.String("event", evt.ID), zap.Error(err))
			continue
		}

		if msg.ContentType == mls.ContentCommit {
			commits = append(commits, pendingCommit{evt: evt, message: msg})
			continue
		}

		result, err := g.provider.ProcessMessage(g.state, msg, g.provider.AcceptAllPolicy(), g.provider.EmptyPskIndex())
		if err != nil {
			unreadable = append(unreadable, evt)
			continue
		}
		g.state = result.NewState
		if result.Application != nil {
			*applications = append(*applications, result.Application)
		}
	}

	sortCommits(commits)
	for _, c := range commits {
		switch {
		case c.message.Epoch < g.state.Epoch:
			continue
		case c.message.Epoch > g.state.Epoch+1:
			unreadable = append(unreadable, c.evt)
			continue
		}
		result, err := g.provider.ProcessMessage(g.state, c.message, g.provider.AcceptAllPolicy(), g.provider.EmptyPskIndex())
		if err != nil {
			unreadable = append(unreadable, c.evt)
			continue
		}
		g.state = result.NewState
		g.rememberEpochSecret(g.state.Epoch, g.state.ExporterSecret)
	}

	return unreadable
}

// sortCommits orders by (epoch, created_at, event id) ascending (§4.F.3),
// so concurrent commits from different members resolve the same way for
// every observer regardless of arrival order.
func sortCommits(commits []pendingCommit) {
	sort.Slice(commits, func(i, j int) bool {
		a, b := commits[i], commits[j]
		if a.message.Epoch != b.message.Epoch {
			return a.message.Epoch < b.message.Epoch
		}
		if a.evt.CreatedAt != b.evt.CreatedAt {
			return a.evt.CreatedAt < b.evt.CreatedAt
		}
		return a.evt.ID < b.evt.ID
	})
}

// decryptLocked tries to open evt against the current epoch's secret and,
// via ProspectiveNextExporterSecret, the epoch one commit ahead (derivable
// without having seen or applied that commit yet), plus any other epoch
// secrets still in the trailing window (§4.E).
func (g *Group) decryptLocked(evt nostr.Event) ([]byte, error) {
	candidates := []uint64{g.state.Epoch}
	prospective := mls.ProspectiveNextExporterSecret(g.state)
	g.epochSecrets[g.state.Epoch+1] = prospective
	candidates = append(candidates, g.state.Epoch+1)
	for e := range g.epochSecrets {
		if e != g.state.Epoch && e != g.state.Epoch+1 {
			candidates = append(candidates, e)
		}
	}

	plaintext, _, err := envelope.Open(evt.Content, candidates, func(epoch uint64) ([]byte, bool) {
		secret, ok := g.epochSecrets[epoch]
		return secret, ok
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
