package nostr

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MemoryNetwork is a NetworkInterface implementation backed by per-relay
// in-process event logs. It is meant for tests and local simulation (the
// S1–S6 scenarios in spec §8): relays are just names, "publishing" appends
// to that relay's log and notifies live subscribers, and every relay
// acknowledges every publish unless explicitly configured to drop.
type MemoryNetwork struct {
	mu        sync.Mutex
	relays    map[string][]Event
	subs      map[string]map[string]chan Event // relay -> subscription id -> channel
	inboxes   map[string][]string              // pubkey -> inbox relay urls
	dropRelay map[string]bool                  // relay -> reject all publishes
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		relays:    make(map[string][]Event),
		subs:      make(map[string]map[string]chan Event),
		inboxes:   make(map[string][]string),
		dropRelay: make(map[string]bool),
	}
}

// SetInboxRelays configures the relays GetUserInboxRelays returns for pubkey.
func (n *MemoryNetwork) SetInboxRelays(pubkey string, relays []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inboxes[pubkey] = append([]string(nil), relays...)
}

// SetRelayAcksPublishes toggles whether relay acknowledges publishes,
// simulating the "zero relays ACK" scenario (§8 S5).
func (n *MemoryNetwork) SetRelayAcksPublishes(relay string, acks bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRelay[relay] = !acks
}

func (n *MemoryNetwork) Request(_ context.Context, relays []string, filter Filter) ([]Event, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	seen := map[string]bool{}
	for _, relay := range relays {
		for _, evt := range n.relays[relay] {
			if !matches(evt, filter) || seen[evt.ID] {
				continue
			}
			seen[evt.ID] = true
			out = append(out, evt)
		}
	}
	return out, nil
}

func (n *MemoryNetwork) Subscription(ctx context.Context, relays []string, filter Filter) (<-chan Event, error) {
	out := make(chan Event, 16)
	id := uuid.NewString()

	n.mu.Lock()
	for _, relay := range relays {
		if n.subs[relay] == nil {
			n.subs[relay] = make(map[string]chan Event)
		}
		n.subs[relay][id] = out
		for _, evt := range n.relays[relay] {
			if matches(evt, filter) {
				out <- evt
			}
		}
	}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		for _, relay := range relays {
			delete(n.subs[relay], id)
		}
		close(out)
	}()

	return out, nil
}

func (n *MemoryNetwork) Publish(ctx context.Context, relays []string, event Event) (map[string]PublishResult, error) {
	results := make(map[string]PublishResult, len(relays))
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	for _, relay := range relays {
		relay := relay
		g.Go(func() error {
			res := n.publishOne(relay, event)
			mu.Lock()
			results[relay] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (n *MemoryNetwork) publishOne(relay string, event Event) PublishResult {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.dropRelay[relay] {
		return PublishResult{OK: false, Message: "relay rejected event", Relay: relay}
	}
	n.relays[relay] = append(n.relays[relay], event)
	for _, ch := range n.subs[relay] {
		select {
		case ch <- event:
		default:
		}
	}
	return PublishResult{OK: true, Relay: relay}
}

func (n *MemoryNetwork) GetUserInboxRelays(_ context.Context, pubkey string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	relays, ok := n.inboxes[pubkey]
	if !ok || len(relays) == 0 {
		return nil, fmt.Errorf("no inbox relays configured for %s", pubkey)
	}
	return relays, nil
}

func matches(evt Event, filter Filter) bool {
	if len(filter.Kinds) > 0 {
		found := false
		for _, k := range filter.Kinds {
			if k == evt.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Tags) > 0 {
		for tagName, values := range filter.Tags {
			if !eventHasTagValue(evt, tagName, values) {
				return false
			}
		}
	}
	return true
}

func eventHasTagValue(evt Event, tagName string, values []string) bool {
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != tagName {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}
