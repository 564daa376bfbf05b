// Package store holds pooled token records in an append-mostly arena.
//
// Records live in slots addressed by position. Removal tombstones a slot
// instead of shifting the slice, so positions handed to the selection cursor
// stay meaningful while tokens are added and removed concurrently. Compact
// reclaims tombstones when they pile up.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wbh1/tokenpool/pkg/models"
)

var (
	// ErrConflict is returned when inserting a token id that is already present
	ErrConflict = errors.New("token already exists")
	// ErrNotFound is returned for operations on an unknown token id
	ErrNotFound = errors.New("token not found")
)

// Mutator edits a record in place. It runs under the store's write lock.
type Mutator func(token *models.Token)

// Entry is a live record tagged with its arena position
type Entry struct {
	Pos   int
	Token models.Token
}

type slot struct {
	token   models.Token
	removed bool
}

// Store is a concurrency-safe arena of token records
type Store struct {
	mu    sync.RWMutex
	slots []slot
	index map[string]int
	live  int
}

// New creates an empty store
func New() *Store {
	return &Store{
		index: make(map[string]int),
	}
}

// Insert appends a token and returns its id
func (s *Store) Insert(token models.Token) (string, error) {
	const op = "store.Insert"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[token.ID]; ok {
		return "", fmt.Errorf("%s: %s: %w", op, token.ID, ErrConflict)
	}

	s.slots = append(s.slots, slot{token: token.Clone()})
	s.index[token.ID] = len(s.slots) - 1
	s.live++

	return token.ID, nil
}

// Get returns a copy of the record for id
func (s *Store) Get(id string) (models.Token, error) {
	const op = "store.Get"

	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.index[id]
	if !ok {
		return models.Token{}, fmt.Errorf("%s: %s: %w", op, id, ErrNotFound)
	}
	return s.slots[pos].token.Clone(), nil
}

// ListAll returns copies of all live records in insertion order
func (s *Store) ListAll() []models.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]models.Token, 0, s.live)
	for i := range s.slots {
		if s.slots[i].removed {
			continue
		}
		tokens = append(tokens, s.slots[i].token.Clone())
	}
	return tokens
}

// Entries returns copies of all live records with their arena positions,
// together with the current slot count (live and tombstoned)
func (s *Store) Entries() ([]Entry, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, s.live)
	for i := range s.slots {
		if s.slots[i].removed {
			continue
		}
		entries = append(entries, Entry{Pos: i, Token: s.slots[i].token.Clone()})
	}
	return entries, len(s.slots)
}

// UpdateIfPresent applies fn to the record for id and reports whether it existed
func (s *Store) UpdateIfPresent(id string, fn Mutator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return false
	}

	token := s.slots[pos].token
	fn(&token)
	// The id is the index key; a mutator may not change it.
	token.ID = id
	s.slots[pos].token = token

	return true
}

// Remove tombstones the record for id and reports whether it existed
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return false
	}

	delete(s.index, id)
	s.slots[pos] = slot{removed: true}
	s.live--

	return true
}

// Len returns the number of live records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Slots returns the arena size including tombstones
func (s *Store) Slots() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Tombstones returns the number of removed slots not yet compacted
func (s *Store) Tombstones() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots) - s.live
}

// Compact drops tombstoned slots and returns cursor remapped to the same
// logical next candidate: the first live record at or after the old cursor.
func (s *Store) Compact(cursor int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.slots) == s.live {
		return cursor
	}

	remapped := -1
	compacted := make([]slot, 0, s.live)
	for i := range s.slots {
		if s.slots[i].removed {
			continue
		}
		if remapped < 0 && i >= cursor {
			remapped = len(compacted)
		}
		compacted = append(compacted, s.slots[i])
	}

	s.slots = compacted
	for i := range s.slots {
		s.index[s.slots[i].token.ID] = i
	}

	if remapped < 0 {
		// Cursor pointed past every live record: wrap to the start.
		return 0
	}
	return remapped
}
