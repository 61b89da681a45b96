// Package nostr defines the external collaborator interfaces the core
// consumes from the Nostr transport layer (§6.2) and the Marmot-specific
// event kinds carried over it (§6.1).
package nostr

// Marmot/Nostr event kinds used by the wire formats in §6.1.
const (
	KindKeyPackage       = 443
	KindGroupMessage     = 445 // open question #2, resolved in DESIGN.md
	KindWelcomeRumor     = 444
	KindGiftWrap         = 1059
	KindDeletion         = 5     // NIP-09
	KindKeyPackageRelays = 10051 // replaceable
	KindInboxRelays      = 10050 // NIP-17 "relay" tags, replaceable
)
