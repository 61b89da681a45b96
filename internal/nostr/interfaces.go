package nostr

import (
	"context"

	gonostr "github.com/nbd-wtf/go-nostr"
)

// Event is the Nostr event type used throughout the core; it is the
// upstream library's type used directly so wire encoding (JSON field
// order, tag shape) matches what other Marmot implementations expect.
type Event = gonostr.Event

// Filter is a Nostr subscription/request filter.
type Filter = gonostr.Filter

// PublishResult is one relay's response to a publish attempt (§6.2).
type PublishResult struct {
	OK      bool
	Message string
	Relay   string
}

// NetworkInterface is the transport collaborator the core depends on. The
// core never dials relays itself; it is handed an implementation by the
// embedding application.
type NetworkInterface interface {
	// Request performs a bounded query, returning once every relay has
	// signaled EOSE (or ctx is done).
	Request(ctx context.Context, relays []string, filter Filter) ([]Event, error)

	// Subscription opens a live feed; the returned channel closes when ctx
	// is canceled or the subscription otherwise ends.
	Subscription(ctx context.Context, relays []string, filter Filter) (<-chan Event, error)

	// Publish sends event to every relay in relays and returns each
	// relay's outcome.
	Publish(ctx context.Context, relays []string, event Event) (map[string]PublishResult, error)

	// GetUserInboxRelays resolves the relays a user receives gift-wrapped
	// messages on. Must yield at least one url or return an error.
	GetUserInboxRelays(ctx context.Context, pubkey string) ([]string, error)
}

// Signer is the account collaborator the core depends on for producing
// signed events and NIP-44 payloads; the core never holds a private key
// itself (other than the ephemeral gift-wrap keys it generates locally,
// which never leave the process). Shaped after go-nostr's own Keyer
// interface (GetPublicKey/SignEvent/Encrypt/Decrypt) so any Keyer
// implementation — local key, NIP-46 bunker, hardware signer — satisfies
// it directly.
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt *Event) error

	// Encrypt NIP-44-encrypts plaintext for peerPubkeyHex using a
	// conversation key this signer derives from its own identity key.
	Encrypt(ctx context.Context, plaintext string, peerPubkeyHex string) (string, error)

	// Decrypt is Encrypt's inverse.
	Decrypt(ctx context.Context, ciphertext string, peerPubkeyHex string) (string, error)
}
