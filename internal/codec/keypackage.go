package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/parres-hq/marmot-go/internal/credential"
	"github.com/parres-hq/marmot-go/internal/errs"
	"github.com/parres-hq/marmot-go/internal/nostr"
)

// KeyPackageEventOptions configures BuildKeyPackageEvent beyond what's
// carried in the key package itself.
type KeyPackageEventOptions struct {
	Relays     []string
	Extensions []uint16
	Client     string
}

// BuildKeyPackageEvent constructs an unsigned kind-443 event for pub,
// per §4.A / §6.1. The caller (MarmotClient) signs it with the identity
// signer.
func BuildKeyPackageEvent(pub credential.PublicKeyPackage, opts KeyPackageEventOptions, createdAt int64) (gonostr.Event, error) {
	content, err := encodePublicKeyPackage(pub)
	if err != nil {
		return gonostr.Event{}, errs.Wrap(errs.ErrCodec, "encode key package", err)
	}

	tags := gonostr.Tags{
		gonostr.Tag{"mls_protocol_version", "1.0"},
		gonostr.Tag{"mls_ciphersuite", strconv.Itoa(int(pub.CiphersuiteID))},
	}
	if len(opts.Extensions) > 0 {
		parts := make([]string, len(opts.Extensions))
		for i, ext := range opts.Extensions {
			parts[i] = strconv.Itoa(int(ext))
		}
		tags = append(tags, gonostr.Tag{"mls_extensions", strings.Join(parts, ",")})
	}
	if len(opts.Relays) > 0 {
		relayTag := append(gonostr.Tag{"relays"}, opts.Relays...)
		tags = append(tags, relayTag)
	}
	if opts.Client != "" {
		tags = append(tags, gonostr.Tag{"client", opts.Client})
	}

	pubkeyHex, err := credential.Pubkey(pub.LeafNode.Credential)
	if err != nil {
		return gonostr.Event{}, errs.Wrap(errs.ErrInvalidCredential, "key package credential", err)
	}

	return gonostr.Event{
		PubKey:    pubkeyHex,
		CreatedAt: gonostr.Timestamp(createdAt),
		Kind:      nostr.KindKeyPackage,
		Tags:      tags,
		Content:   content,
	}, nil
}

// ParsedKeyPackageEvent is the decoded form of a kind-443 event.
type ParsedKeyPackageEvent struct {
	Public          credential.PublicKeyPackage
	ProtocolVersion string
	CiphersuiteID   int
	Extensions      []int
	Relays          []string
	Client          string
}

// ParseKeyPackageEvent decodes evt per §4.A. When a tag repeats, the first
// occurrence wins.
func ParseKeyPackageEvent(evt gonostr.Event) (ParsedKeyPackageEvent, error) {
	var parsed ParsedKeyPackageEvent
	seen := map[string]bool{}

	for _, tag := range evt.Tags {
		if len(tag) == 0 {
			continue
		}
		name := tag[0]
		switch name {
		case "mls_protocol_version":
			if seen[name] || len(tag) < 2 {
				continue
			}
			parsed.ProtocolVersion = tag[1]
		case "mls_ciphersuite":
			if seen[name] || len(tag) < 2 {
				continue
			}
			id, err := strconv.Atoi(tag[1])
			if err != nil {
				return parsed, errs.Wrap(errs.ErrCodec, "mls_ciphersuite not an integer", err)
			}
			parsed.CiphersuiteID = id
		case "mls_extensions":
			if seen[name] || len(tag) < 2 {
				continue
			}
			for _, part := range strings.Split(tag[1], ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				id, err := strconv.Atoi(part)
				if err != nil {
					return parsed, errs.Wrap(errs.ErrCodec, "mls_extensions not integers", err)
				}
				parsed.Extensions = append(parsed.Extensions, id)
			}
		case "relays":
			if seen[name] || len(tag) < 2 {
				continue
			}
			parsed.Relays = append([]string(nil), tag[1:]...)
		case "client":
			if seen[name] || len(tag) < 2 {
				continue
			}
			parsed.Client = tag[1]
		default:
			continue
		}
		seen[name] = true
	}

	pub, err := decodePublicKeyPackage(evt.Content)
	if err != nil {
		return parsed, errs.Wrap(errs.ErrCodec, "decode key package content", err)
	}
	parsed.Public = pub
	return parsed, nil
}

// BuildKeyPackageRelayListEvent constructs an unsigned kind-10051
// replaceable event listing the relays a user publishes key packages on.
func BuildKeyPackageRelayListEvent(pubkeyHex string, relays []string, createdAt int64) gonostr.Event {
	tags := make(gonostr.Tags, 0, len(relays))
	for _, relay := range relays {
		tags = append(tags, gonostr.Tag{"relay", relay})
	}
	return gonostr.Event{
		PubKey:    pubkeyHex,
		CreatedAt: gonostr.Timestamp(createdAt),
		Kind:      nostr.KindKeyPackageRelays,
		Tags:      tags,
	}
}

// ParseKeyPackageRelayListEvent extracts the relay list from a kind-10051
// event.
func ParseKeyPackageRelayListEvent(evt gonostr.Event) []string {
	var relays []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "relay" {
			relays = append(relays, tag[1])
		}
	}
	return relays
}

// BuildDeleteKeyPackageEvent constructs a NIP-09 (kind 5) deletion event
// tagging each of events with an "e" tag (§4.A).
func BuildDeleteKeyPackageEvent(pubkeyHex string, events []gonostr.Event, createdAt int64) gonostr.Event {
	tags := make(gonostr.Tags, 0, len(events))
	for _, evt := range events {
		tags = append(tags, gonostr.Tag{"e", evt.ID})
	}
	return gonostr.Event{
		PubKey:    pubkeyHex,
		CreatedAt: gonostr.Timestamp(createdAt),
		Kind:      nostr.KindDeletion,
		Tags:      tags,
	}
}

func encodePublicKeyPackage(pub credential.PublicKeyPackage) (string, error) {
	raw, err := json.Marshal(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key package: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodePublicKeyPackage(content string) (credential.PublicKeyPackage, error) {
	var pub credential.PublicKeyPackage
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return pub, fmt.Errorf("base64 decode: %w", err)
	}
	if err := json.Unmarshal(raw, &pub); err != nil {
		return pub, fmt.Errorf("unmarshal public key package: %w", err)
	}
	return pub, nil
}
