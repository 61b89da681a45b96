package nostr

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
)

// PoolNetwork is a NetworkInterface backed by a live go-nostr SimplePool,
// grounded on pinpox-nitrous's relay-handling: EnsureRelay+Publish for
// writes, SubscribeMany for reads and live feeds, QuerySingle for the
// inbox-relay-list lookup.
type PoolNetwork struct {
	pool *gonostr.SimplePool

	mu              sync.Mutex
	inboxCache      map[string]inboxEntry
	inboxTTL        time.Duration
	bootstrapRelays []string
}

type inboxEntry struct {
	relays    []string
	fetchedAt time.Time
}

// NewPoolNetwork wraps an existing SimplePool. authSign, if non-nil, is used
// to answer NIP-42 AUTH challenges the way pinpox-nitrous's main.go wires
// WithAuthHandler to its Keyer.
func NewPoolNetwork(ctx context.Context, authSign func(ctx context.Context, evt *Event) error) *PoolNetwork {
	var pool *gonostr.SimplePool
	if authSign != nil {
		pool = gonostr.NewSimplePool(ctx, gonostr.WithAuthHandler(func(actx context.Context, ie gonostr.RelayEvent) error {
			return authSign(actx, ie.Event)
		}))
	} else {
		pool = gonostr.NewSimplePool(ctx)
	}
	return &PoolNetwork{
		pool:       pool,
		inboxCache: make(map[string]inboxEntry),
		inboxTTL:   10 * time.Minute,
	}
}

// Request queries relays and collects every event until EOSE or ctx is done.
func (n *PoolNetwork) Request(ctx context.Context, relays []string, filter Filter) ([]Event, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("request: no relays given")
	}
	var events []Event
	for ie := range n.pool.SubscribeMany(ctx, relays, filter) {
		events = append(events, *ie.Event)
	}
	return events, nil
}

// Subscription opens a live multi-relay subscription and republishes events
// on a channel of our own Event type, closing it when the pool's channel
// closes (ctx canceled or pool torn down).
func (n *PoolNetwork) Subscription(ctx context.Context, relays []string, filter Filter) (<-chan Event, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("subscription: no relays given")
	}
	src := n.pool.SubscribeMany(ctx, relays, filter)
	out := make(chan Event)
	go func() {
		defer close(out)
		for ie := range src {
			select {
			case out <- *ie.Event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Publish sends event to every relay, collecting each relay's outcome.
// Grounded on the EnsureRelay+r.Publish(ctx, evt) pattern used throughout
// pinpox-nitrous's group and DM publish paths, which is the only
// field-confirmed per-relay publish result in the corpus.
func (n *PoolNetwork) Publish(ctx context.Context, relays []string, event Event) (map[string]PublishResult, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("publish: no relays given")
	}
	results := make(map[string]PublishResult, len(relays))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, url := range relays {
		url := url
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := n.pool.EnsureRelay(url)
			if err != nil {
				mu.Lock()
				results[url] = PublishResult{OK: false, Message: err.Error(), Relay: url}
				mu.Unlock()
				return
			}
			if err := r.Publish(ctx, event); err != nil {
				mu.Lock()
				results[url] = PublishResult{OK: false, Message: err.Error(), Relay: url}
				mu.Unlock()
				return
			}
			mu.Lock()
			results[url] = PublishResult{OK: true, Relay: url}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results, nil
}

// GetUserInboxRelays resolves pubkey's NIP-17-style gift-wrap inbox relays
// (kind 10050, "relay" tags) via a bootstrap query against relays, matching
// publishDMRelaysCmd's wire shape. Results are cached briefly since every
// group operation that fans out gift wraps calls this once per recipient.
func (n *PoolNetwork) GetUserInboxRelays(ctx context.Context, pubkey string) ([]string, error) {
	n.mu.Lock()
	if entry, ok := n.inboxCache[pubkey]; ok && time.Since(entry.fetchedAt) < n.inboxTTL {
		n.mu.Unlock()
		return entry.relays, nil
	}
	n.mu.Unlock()

	bootstrap := n.BootstrapRelays()
	if len(bootstrap) == 0 {
		return nil, fmt.Errorf("get inbox relays for %s: no bootstrap relays configured", pubkey)
	}

	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	re := n.pool.QuerySingle(qctx, bootstrap, Filter{
		Kinds:   []int{KindInboxRelays},
		Authors: []string{pubkey},
	})
	if re == nil {
		return nil, fmt.Errorf("no inbox relay list (kind %d) found for %s", KindInboxRelays, pubkey)
	}

	var urls []string
	for _, tag := range re.Tags {
		if len(tag) < 2 || tag[0] != "relay" {
			continue
		}
		urls = append(urls, tag[1])
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("inbox relay list for %s has no relay tags", pubkey)
	}

	n.mu.Lock()
	n.inboxCache[pubkey] = inboxEntry{relays: urls, fetchedAt: time.Now()}
	n.mu.Unlock()
	return urls, nil
}

// SetBootstrapRelays configures the relay set GetUserInboxRelays falls back
// to when it has no cached entry for a pubkey.
func (n *PoolNetwork) SetBootstrapRelays(relays []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bootstrapRelays = append([]string(nil), relays...)
}

// BootstrapRelays returns the configured bootstrap relay set.
func (n *PoolNetwork) BootstrapRelays() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bootstrapRelays
}
