package server

import (
	"container/list"
	"sync"
	"time"
)

// chatHistoryStore keeps recent assistant transcripts per user. It is bounded
// by user count (LRU eviction), idle TTL (checked lazily on access) and turns
// per user. Nothing here is authoritative; losing an entry only drops context.
type chatHistoryStore struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	maxTurns int
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

type chatHistoryEntry struct {
	userID    string
	turns     []ChatTurn
	expiresAt time.Time
}

func newChatHistoryStore(capacity int, ttl time.Duration, maxTurns int) *chatHistoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &chatHistoryStore{
		capacity: capacity,
		ttl:      ttl,
		maxTurns: maxTurns,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Get returns a copy of the user's turns, oldest first.
func (s *chatHistoryStore) Get(userID string) []ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[userID]
	if !ok {
		return nil
	}
	entry := elem.Value.(*chatHistoryEntry)
	if s.now().After(entry.expiresAt) {
		s.removeElement(elem)
		return nil
	}
	s.order.MoveToFront(elem)
	out := make([]ChatTurn, len(entry.turns))
	copy(out, entry.turns)
	return out
}

// Append adds turns for the user, trimming to the newest maxTurns and
// refreshing the idle deadline.
func (s *chatHistoryStore) Append(userID string, turns ...ChatTurn) {
	if userID == "" || len(turns) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	elem, ok := s.items[userID]
	if ok {
		entry := elem.Value.(*chatHistoryEntry)
		if now.After(entry.expiresAt) {
			entry.turns = nil
		}
		entry.turns = append(entry.turns, turns...)
		entry.turns = s.trim(entry.turns)
		entry.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(elem)
		return
	}

	for s.order.Len() >= s.capacity {
		s.removeElement(s.order.Back())
	}
	entry := &chatHistoryEntry{
		userID:    userID,
		turns:     s.trim(append([]ChatTurn(nil), turns...)),
		expiresAt: now.Add(s.ttl),
	}
	s.items[userID] = s.order.PushFront(entry)
}

// Clear drops the user's transcript and reports whether one existed.
func (s *chatHistoryStore) Clear(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[userID]
	if !ok {
		return false
	}
	s.removeElement(elem)
	return true
}

func (s *chatHistoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *chatHistoryStore) trim(turns []ChatTurn) []ChatTurn {
	if len(turns) <= s.maxTurns {
		return turns
	}
	return append([]ChatTurn(nil), turns[len(turns)-s.maxTurns:]...)
}

func (s *chatHistoryStore) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := s.order.Remove(elem).(*chatHistoryEntry)
	delete(s.items, entry.userID)
}
