package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/parres-hq/marmot-go/internal/errs"
	"github.com/parres-hq/marmot-go/internal/mls"
	"github.com/parres-hq/marmot-go/internal/nostr"
)

// BuildWelcomeRumor constructs the unsigned kind-444 rumor that gets
// gift-wrapped to each newly-added member's inbox relays (§4.H). welcome is
// this recipient's share of the group's current state; relays is the
// group's relay list so the new member knows where to fetch further
// messages without waiting on the admin.
func BuildWelcomeRumor(pubkeyHex string, welcome mls.Welcome, relays []string, createdAt int64) (gonostr.Event, error) {
	content, err := encodeWelcome(welcome)
	if err != nil {
		return gonostr.Event{}, errs.Wrap(errs.ErrCodec, "encode welcome", err)
	}

	tags := gonostr.Tags{}
	if len(relays) > 0 {
		tags = append(tags, append(gonostr.Tag{"relays"}, relays...))
	}

	return gonostr.Event{
		PubKey:    pubkeyHex,
		CreatedAt: gonostr.Timestamp(createdAt),
		Kind:      nostr.KindWelcomeRumor,
		Tags:      tags,
		Content:   content,
	}, nil
}

// ParseWelcomeRumor decodes a kind-444 rumor back into a Welcome plus the
// relay hints it carried.
func ParseWelcomeRumor(evt gonostr.Event) (mls.Welcome, []string, error) {
	welcome, err := decodeWelcome(evt.Content)
	if err != nil {
		return welcome, nil, errs.Wrap(errs.ErrCodec, "decode welcome", err)
	}
	var relays []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "relays" {
			relays = append([]string(nil), tag[1:]...)
			break
		}
	}
	return welcome, relays, nil
}

func encodeWelcome(w mls.Welcome) (string, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("marshal welcome: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeWelcome(content string) (mls.Welcome, error) {
	var w mls.Welcome
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return w, fmt.Errorf("base64 decode: %w", err)
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return w, fmt.Errorf("unmarshal welcome: %w", err)
	}
	return w, nil
}
