// Package groupstore persists MarmotGroup client states (§4.D), keyed by
// the hex-encoded MLS group id, and notifies subscribers when a record
// changes so a running MarmotClient can refresh any in-memory Group it
// has cached for that id.
package groupstore

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parres-hq/marmot-go/internal/kv"
	"github.com/parres-hq/marmot-go/internal/mls"
)

// ChangeEvent is delivered to subscribers on every Put or Remove.
type ChangeEvent struct {
	GroupIDHex string
	Removed    bool
}

// Store persists serialized group states under a per-identity key prefix,
// so one kv.Store backend can be shared by several local identities
// without their groups colliding (§4.D).
type Store struct {
	backend kv.Store
	prefix  string
	cache   *xsync.MapOf[string, []byte]

	subsMu sync.Mutex
	subs   map[string]chan ChangeEvent
}

// New wraps backend, namespacing every key under prefix (typically the
// local identity's pubkey).
func New(backend kv.Store, prefix string) *Store {
	return &Store{
		backend: backend,
		prefix:  "group/" + prefix + "/",
		cache:   xsync.NewMapOf[string, []byte](),
		subs:    make(map[string]chan ChangeEvent),
	}
}

func groupIDHex(groupID []byte) string { return hex.EncodeToString(groupID) }

func (s *Store) key(idHex string) string { return s.prefix + idHex }

// Put serializes state and stores it, overwriting any prior record for
// the same group id.
func (s *Store) Put(ctx context.Context, state *mls.ClientState) error {
	idHex := groupIDHex(state.GroupID)
	raw, err := mls.Serialize(state)
	if err != nil {
		return fmt.Errorf("serialize group state: %w", err)
	}
	if err := s.backend.Set(ctx, s.key(idHex), raw); err != nil {
		return fmt.Errorf("persist group state: %w", err)
	}
	s.cache.Store(idHex, raw)
	s.notify(ChangeEvent{GroupIDHex: idHex})
	return nil
}

// Get loads and deserializes the group state for groupID, re-injecting
// signingKey (never itself part of the serialized form, §4.F.4).
func (s *Store) Get(ctx context.Context, groupID []byte, signingKey ed25519.PrivateKey) (*mls.ClientState, bool, error) {
	idHex := groupIDHex(groupID)
	raw, ok := s.cache.Load(idHex)
	if !ok {
		var err error
		raw, ok, err = s.backend.Get(ctx, s.key(idHex))
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		s.cache.Store(idHex, raw)
	}

	state, err := mls.Deserialize(raw, signingKey)
	if err != nil {
		return nil, false, fmt.Errorf("deserialize group state: %w", err)
	}
	return state, true, nil
}

// Remove deletes the record for groupID.
func (s *Store) Remove(ctx context.Context, groupID []byte) error {
	idHex := groupIDHex(groupID)
	s.cache.Delete(idHex)
	if err := s.backend.Remove(ctx, s.key(idHex)); err != nil {
		return err
	}
	s.notify(ChangeEvent{GroupIDHex: idHex, Removed: true})
	return nil
}

// List returns the hex group ids of every stored group.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, k := range keys {
		if id, ok := cutPrefix(k, s.prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Count returns the number of stored groups.
func (s *Store) Count(ctx context.Context) (int, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Clear removes every stored group for this prefix, one key at a time;
// keys outside this prefix in the same backend are left in place.
func (s *Store) Clear(ctx context.Context) error {
	ids, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.cache.Delete(id)
		if err := s.backend.Remove(ctx, s.key(id)); err != nil {
			return err
		}
		s.notify(ChangeEvent{GroupIDHex: id, Removed: true})
	}
	return nil
}

// Subscribe registers a channel that receives every future ChangeEvent
// for this store, keyed by an opaque subscriber id used to Unsubscribe.
func (s *Store) Subscribe(id string) <-chan ChangeEvent {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	ch := make(chan ChangeEvent, 16)
	s.subs[id] = ch
	return ch
}

// Unsubscribe removes and closes a previously registered channel.
func (s *Store) Unsubscribe(id string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Store) notify(ev ChangeEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}
