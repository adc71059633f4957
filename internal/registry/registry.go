// Package registry implements the broker-wide store of active tunnels: a
// concurrent keyed map with an optimistic-concurrency delete protocol and a
// secondary index by client public-key thumbprint.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/livecycle/tunnel-server/internal/domain"
)

// Tx is an opaque transaction descriptor, monotonically issued by every
// successful Set and scoped to one key's current occupancy. A conditional
// Delete only succeeds while its Tx still matches the occupant.
type Tx uint64

// TxAny makes Delete unconditional.
const TxAny Tx = 0

// Watcher is a one-shot notification that fires when the entry it was
// issued for is removed, whichever path triggered the removal.
type Watcher struct {
	ch chan struct{}
}

// Done returns a channel closed when the watched entry has been deleted.
func (w *Watcher) Done() <-chan struct{} {
	return w.ch
}

type entry struct {
	tunnel  *domain.ActiveTunnel
	tx      Tx
	watcher *Watcher
}

// Store is the in-memory active tunnel store. The key map and thumbprint
// index are mutated under one lock so concurrent readers never observe them
// in a mutually inconsistent state.
type Store struct {
	log *slog.Logger

	mu           sync.RWMutex
	entries      map[string]*entry
	byThumbprint map[string]map[string]*domain.ActiveTunnel
	txSeq        Tx
}

// New creates an empty tunnel store.
func New(logger *slog.Logger) *Store {
	return &Store{
		log:          logger,
		entries:      make(map[string]*entry),
		byThumbprint: make(map[string]map[string]*domain.ActiveTunnel),
	}
}

// Get returns the active tunnel for key, if any.
func (s *Store) Get(key string) (*domain.ActiveTunnel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.tunnel, true
}

// Has reports whether key is currently occupied.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of active tunnels.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Set claims key for tunnel. It fails with [domain.ErrTunnelOccupied] if the
// key is already held; collision handling is the caller's responsibility.
// On success it returns the occupancy's transaction descriptor and a
// watcher that fires when this entry is removed.
func (s *Store) Set(key string, tunnel *domain.ActiveTunnel) (Tx, *Watcher, error) {
	if tunnel == nil {
		return TxAny, nil, fmt.Errorf("set %s: nil tunnel", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return TxAny, nil, fmt.Errorf("set %s: %w", key, domain.ErrTunnelOccupied)
	}

	s.txSeq++
	e := &entry{
		tunnel:  tunnel,
		tx:      s.txSeq,
		watcher: &Watcher{ch: make(chan struct{})},
	}
	s.entries[key] = e

	tp := tunnel.PublicKeyThumbprint
	byKey := s.byThumbprint[tp]
	if byKey == nil {
		byKey = make(map[string]*domain.ActiveTunnel)
		s.byThumbprint[tp] = byKey
	}
	byKey[key] = tunnel

	s.log.Debug("tunnel registered", "key", key, "client", tunnel.ClientID, "tx", uint64(e.tx))
	return e.tx, e.watcher, nil
}

// Delete removes the tunnel at key. With TxAny the delete is unconditional;
// otherwise it succeeds only while tx matches the current occupant, so a
// delayed delete can never remove a newer tunnel that reused the key.
// It reports whether an entry was removed.
func (s *Store) Delete(key string, tx Tx) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || (tx != TxAny && e.tx != tx) {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, key)
	s.removeFromIndexLocked(key, e.tunnel.PublicKeyThumbprint)
	s.mu.Unlock()

	// Fire outside the lock; the channel is created per entry and closed
	// exactly once because the entry is removed under the lock first.
	close(e.watcher.ch)
	s.log.Debug("tunnel removed", "key", key, "tx", uint64(e.tx))
	return true
}

// Watch returns a channel that is closed when the current occupant of key
// is removed. If the key is vacant, the returned channel is already closed.
func (s *Store) Watch(key string) <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[key]; ok {
		return e.watcher.ch
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// GetByThumbprint returns all active tunnels owned by the public key with
// the given thumbprint, or nil if there are none.
func (s *Store) GetByThumbprint(thumbprint string) []*domain.ActiveTunnel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.byThumbprint[thumbprint]
	if len(byKey) == 0 {
		return nil
	}
	out := make([]*domain.ActiveTunnel, 0, len(byKey))
	for _, t := range byKey {
		out = append(out, t)
	}
	return out
}

func (s *Store) removeFromIndexLocked(key, thumbprint string) {
	byKey := s.byThumbprint[thumbprint]
	if byKey == nil {
		return
	}
	delete(byKey, key)
	if len(byKey) == 0 {
		delete(s.byThumbprint, thumbprint)
	}
}
