// Package status holds the authoritative message id to delivery status map.
package status

import (
	"sync"
	"time"

	"github.com/shohag/msgtrack/internal/models"
)

// Handler is invoked after every accepted transition.
type Handler func(messageID string, status models.DeliveryStatus)

// Subscription identifies a registered handler.
type Subscription uint64

// Reader is the read side of the store handed to everything but the tracker.
type Reader interface {
	Get(messageID string) (models.StatusEntry, bool)
	Subscribe(h Handler) Subscription
	Unsubscribe(sub Subscription)
}

type Store struct {
	mu      sync.Mutex
	entries map[string]models.StatusEntry

	subMu  sync.RWMutex
	subs   map[Subscription]Handler
	nextID Subscription
}

func NewStore() *Store {
	return &Store{
		entries: make(map[string]models.StatusEntry),
		subs:    make(map[Subscription]Handler),
	}
}

// Set applies status if it does not regress the current rank. Failed may only
// override pending or sent. Reapplying the current status refreshes the
// timestamp without notifying subscribers.
func (s *Store) Set(messageID string, st models.DeliveryStatus, ts time.Time) bool {
	s.mu.Lock()
	cur, ok := s.entries[messageID]
	if ok && !models.CanTransition(cur.Status, st) {
		s.mu.Unlock()
		return false
	}
	if !ok && !st.Valid() {
		s.mu.Unlock()
		return false
	}
	changed := !ok || cur.Status != st
	s.entries[messageID] = models.StatusEntry{MessageID: messageID, Status: st, UpdatedAt: ts}
	s.mu.Unlock()

	if changed {
		s.publish(messageID, st)
	}
	return true
}

// Reset moves a failed message back to pending. It is the only way out of failed.
func (s *Store) Reset(messageID string, ts time.Time) bool {
	s.mu.Lock()
	cur, ok := s.entries[messageID]
	if !ok || cur.Status != models.StatusFailed {
		s.mu.Unlock()
		return false
	}
	s.entries[messageID] = models.StatusEntry{MessageID: messageID, Status: models.StatusPending, UpdatedAt: ts}
	s.mu.Unlock()

	s.publish(messageID, models.StatusPending)
	return true
}

func (s *Store) Get(messageID string) (models.StatusEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[messageID]
	if !ok {
		return models.StatusEntry{MessageID: messageID, Status: models.StatusUnknown}, false
	}
	return e, true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) Snapshot() []models.StatusEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StatusEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

func (s *Store) Subscribe(h Handler) Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	s.subs[s.nextID] = h
	return s.nextID
}

func (s *Store) Unsubscribe(sub Subscription) {
	s.subMu.Lock()
	delete(s.subs, sub)
	s.subMu.Unlock()
}

// publish runs outside the entries lock so handlers may call Get.
func (s *Store) publish(messageID string, st models.DeliveryStatus) {
	s.subMu.RLock()
	handlers := make([]Handler, 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subMu.RUnlock()

	for _, h := range handlers {
		h(messageID, st)
	}
}
