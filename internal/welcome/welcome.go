// Package welcome implements gift-wrapped delivery of MLS Welcomes (§4.H):
// a new member's Welcome is carried as an unsigned kind-444 rumor, sealed
// (NIP-59 kind 13, NIP-44 encrypted, signed by the sender) and then
// gift-wrapped (NIP-59 kind 1059, NIP-44 encrypted again under a
// throwaway key, signed by that throwaway key) so relays and onlookers
// learn nothing about sender, recipient, or group beyond the gift wrap's
// own "p" tag.
package welcome

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/parres-hq/marmot-go/internal/codec"
	"github.com/parres-hq/marmot-go/internal/errs"
	"github.com/parres-hq/marmot-go/internal/mls"
	"github.com/parres-hq/marmot-go/internal/nostr"
)

const kindSeal = 13

// Sender gift-wraps and publishes Welcomes to each new member's inbox
// relays. It satisfies internal/group's WelcomeSender interface.
type Sender struct {
	signer  nostr.Signer
	network nostr.NetworkInterface
}

// New constructs a Sender. signer produces the seal (it must be the local
// identity's real key, since the seal attests who issued the Welcome);
// the gift wrap itself is always signed by a freshly generated throwaway
// key (§4.H).
func New(signer nostr.Signer, network nostr.NetworkInterface) *Sender {
	return &Sender{signer: signer, network: network}
}

// Send builds the welcome rumor, seals it, gift-wraps it, and publishes
// the gift wrap to recipientPubkeyHex's inbox relays.
func (s *Sender) Send(ctx context.Context, recipientPubkeyHex string, w mls.Welcome, groupRelays []string) error {
	senderPubkeyHex, err := s.signer.GetPublicKey(ctx)
	if err != nil {
		return fmt.Errorf("resolve signer pubkey: %w", err)
	}

	rumor, err := codec.BuildWelcomeRumor(senderPubkeyHex, w, groupRelays, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("build welcome rumor: %w", err)
	}
	rumor.ID = rumor.GetID()

	rumorJSON, err := rumor.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal rumor: %w", err)
	}

	seal, err := sealRumor(ctx, s.signer, senderPubkeyHex, recipientPubkeyHex, rumorJSON)
	if err != nil {
		return fmt.Errorf("seal welcome rumor: %w", err)
	}

	wrap, err := giftWrap(seal, recipientPubkeyHex)
	if err != nil {
		return fmt.Errorf("gift wrap welcome: %w", err)
	}

	// Inbox-relay resolution is bounded at 30 seconds (§5).
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	relays, err := s.network.GetUserInboxRelays(rctx, recipientPubkeyHex)
	cancel()
	if err != nil {
		return errs.Wrap(errs.ErrNoGroupRelays, "resolve recipient inbox relays", err)
	}

	results, err := s.network.Publish(ctx, relays, wrap)
	if err != nil {
		return errs.Wrap(errs.ErrNetwork, "publish gift wrap", err)
	}
	for _, r := range results {
		if r.OK {
			return nil
		}
	}
	return &errs.NoRelayReceivedEvent{EventID: wrap.ID}
}

// sealRumor encrypts rumorJSON to recipientPubkeyHex and signs the result
// with the real sender identity, producing the NIP-59 "seal" layer. The
// signer itself derives the conversation key (it holds the private key
// this process never sees), matching how nostr.Keyer.Encrypt is used
// throughout the pack instead of calling nip44.GenerateConversationKey
// directly against a raw private key.
func sealRumor(ctx context.Context, signer nostr.Signer, senderPubkeyHex, recipientPubkeyHex string, rumorJSON []byte) (gonostr.Event, error) {
	content, err := signer.Encrypt(ctx, string(rumorJSON), recipientPubkeyHex)
	if err != nil {
		return gonostr.Event{}, fmt.Errorf("nip44 encrypt rumor: %w", err)
	}

	seal := gonostr.Event{
		PubKey:    senderPubkeyHex,
		CreatedAt: gonostr.Timestamp(time.Now().Unix()),
		Kind:      kindSeal,
		Tags:      gonostr.Tags{},
		Content:   content,
	}
	if err := signer.SignEvent(ctx, &seal); err != nil {
		return gonostr.Event{}, fmt.Errorf("sign seal: %w", err)
	}
	return seal, nil
}

// giftWrap encrypts seal (as JSON) under a throwaway key and signs the
// wrap with that same key, and randomizes created_at within the last two
// days the way NIP-59 recommends to blunt timing correlation.
func giftWrap(seal gonostr.Event, recipientPubkeyHex string) (gonostr.Event, error) {
	ephemeralSK := gonostr.GeneratePrivateKey()
	ephemeralPK, err := gonostr.GetPublicKey(ephemeralSK)
	if err != nil {
		return gonostr.Event{}, fmt.Errorf("derive ephemeral pubkey: %w", err)
	}

	convKey, err := nip44.GenerateConversationKey(ephemeralSK, recipientPubkeyHex)
	if err != nil {
		return gonostr.Event{}, fmt.Errorf("derive gift-wrap conversation key: %w", err)
	}

	sealJSON, err := seal.MarshalJSON()
	if err != nil {
		return gonostr.Event{}, fmt.Errorf("marshal seal: %w", err)
	}
	content, err := nip44.Encrypt(string(sealJSON), convKey)
	if err != nil {
		return gonostr.Event{}, fmt.Errorf("nip44 encrypt seal: %w", err)
	}

	wrap := gonostr.Event{
		PubKey:    ephemeralPK,
		CreatedAt: gonostr.Timestamp(time.Now().Add(-randomBackdate()).Unix()),
		Kind:      nostr.KindGiftWrap,
		Tags:      gonostr.Tags{gonostr.Tag{"p", recipientPubkeyHex}},
		Content:   content,
	}
	if err := wrap.Sign(ephemeralSK); err != nil {
		return gonostr.Event{}, fmt.Errorf("sign gift wrap: %w", err)
	}
	return wrap, nil
}

func randomBackdate() time.Duration {
	const twoDays = 2 * 24 * time.Hour
	return time.Duration(rand.Int63n(int64(twoDays)))
}

// Unwrap peels a received kind-1059 gift wrap down to the mls.Welcome and
// relays it carried, plus the seal signer's pubkey. Before trusting the
// content it checks the seal's signature and that the rumor's author is
// the seal's signer — mirroring pinpox-nitrous's
// nip59.GiftUnwrap call site, hand-expanded here since that helper
// assumes a kind-14 DM rumor rather than Marmot's kind-444 welcome rumor.
func Unwrap(ctx context.Context, signer nostr.Signer, wrap gonostr.Event) (mls.Welcome, []string, string, error) {
	if wrap.Kind != nostr.KindGiftWrap {
		return mls.Welcome{}, nil, "", fmt.Errorf("event kind %d is not a gift wrap", wrap.Kind)
	}

	sealJSON, err := signer.Decrypt(ctx, wrap.Content, wrap.PubKey)
	if err != nil {
		return mls.Welcome{}, nil, "", fmt.Errorf("decrypt gift wrap: %w", err)
	}
	var seal gonostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return mls.Welcome{}, nil, "", fmt.Errorf("unmarshal seal: %w", err)
	}
	if seal.Kind != kindSeal {
		return mls.Welcome{}, nil, "", fmt.Errorf("unwrapped event kind %d is not a seal", seal.Kind)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok {
		return mls.Welcome{}, nil, "", fmt.Errorf("seal signature invalid: %w", err)
	}

	rumorJSON, err := signer.Decrypt(ctx, seal.Content, seal.PubKey)
	if err != nil {
		return mls.Welcome{}, nil, "", fmt.Errorf("decrypt seal: %w", err)
	}
	var rumor gonostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return mls.Welcome{}, nil, "", fmt.Errorf("unmarshal rumor: %w", err)
	}
	if rumor.PubKey != seal.PubKey {
		return mls.Welcome{}, nil, "", fmt.Errorf("rumor pubkey %s does not match seal signer %s", rumor.PubKey, seal.PubKey)
	}

	w, relays, err := codec.ParseWelcomeRumor(rumor)
	if err != nil {
		return mls.Welcome{}, nil, "", fmt.Errorf("parse welcome rumor: %w", err)
	}
	return w, relays, seal.PubKey, nil
}
