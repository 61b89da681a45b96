package codec

import (
	"encoding/hex"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/parres-hq/marmot-go/internal/errs"
	"github.com/parres-hq/marmot-go/internal/nostr"
)

// BuildGroupMessageEvent constructs an unsigned kind-445 event carrying an
// already NIP-44-encrypted payload (§4.A, §4.E). The event is tagged with a
// single "h" tag holding the hex-encoded Nostr group id so relays can
// route it without seeing the plaintext.
func BuildGroupMessageEvent(pubkeyHex string, nostrGroupID [32]byte, ciphertext string, createdAt int64) gonostr.Event {
	return gonostr.Event{
		PubKey:    pubkeyHex,
		CreatedAt: gonostr.Timestamp(createdAt),
		Kind:      nostr.KindGroupMessage,
		Tags:      gonostr.Tags{gonostr.Tag{"h", hex.EncodeToString(nostrGroupID[:])}},
		Content:   ciphertext,
	}
}

// GroupIDFromEvent extracts the Nostr group id from a kind-445 event's "h"
// tag.
func GroupIDFromEvent(evt gonostr.Event) ([32]byte, error) {
	var id [32]byte
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "h" {
			raw, err := hex.DecodeString(tag[1])
			if err != nil || len(raw) != 32 {
				return id, errs.Wrap(errs.ErrCodec, "h tag is not 32 bytes of hex", err)
			}
			copy(id[:], raw)
			return id, nil
		}
	}
	return id, errs.Wrap(errs.ErrCodec, "missing h tag", nil)
}
