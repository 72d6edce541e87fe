// Package store holds the expectation store: an ordered,
// mutable set of expectations with concurrent readers and serialized
// writers, grounded on the copy-on-write snapshot pattern the teacher uses
// for its event log (internal/server eventlog-style RWMutex + slice copy).
package store

import (
	"bytes"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/forgebell/mockserve/internal/mock"
)

// Store is the live expectation set. Reads take an immutable snapshot
// (a shared slice, never mutated in place) so matching never blocks on
// writers for longer than the time to copy a pointer; writers serialize
// on mu and always publish a fresh slice.
type Store struct {
	mu        sync.Mutex
	snapshot  atomic.Pointer[[]mock.Expectation]
	nextIndex uint64
	idSeq     uint64
}

// New creates an empty expectation store.
func New() *Store {
	s := &Store{}
	empty := []mock.Expectation{}
	s.snapshot.Store(&empty)
	return s
}

// Snapshot returns the current immutable view of live expectations, ordered
// by PriorityIndex. Matching against a held snapshot is safe across a
// concurrent Reset.
func (s *Store) Snapshot() []mock.Expectation {
	return *s.snapshot.Load()
}

// Add appends an expectation, assigning it a fresh id and priority index,
// and returns the assigned id.
func (s *Store) Add(e mock.Expectation) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idSeq++
	e.ID = genID(s.idSeq)
	e.PriorityIndex = s.nextIndex
	s.nextIndex++

	cur := *s.snapshot.Load()
	next := make([]mock.Expectation, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, e)
	s.snapshot.Store(&next)
	return e.ID
}

// Update replaces the expectation with the given id in place, preserving
// its PriorityIndex.
func (s *Store) Update(id string, e mock.Expectation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.snapshot.Load()
	next := make([]mock.Expectation, len(cur))
	copy(next, cur)
	for i, existing := range next {
		if existing.ID == id {
			e.ID = id
			e.PriorityIndex = existing.PriorityIndex
			next[i] = e
			s.snapshot.Store(&next)
			return true
		}
	}
	return false
}

// Remove deletes every expectation whose matcher equals m, structurally.
// It returns the number removed.
func (s *Store) Remove(m mock.RequestMatcher) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.snapshot.Load()
	next := make([]mock.Expectation, 0, len(cur))
	removed := 0
	for _, e := range cur {
		if matcherEqual(e.Matcher, m) {
			removed++
			continue
		}
		next = append(next, e)
	}
	s.snapshot.Store(&next)
	return removed
}

// RemoveByID deletes a single expectation by id.
func (s *Store) RemoveByID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.snapshot.Load()
	next := make([]mock.Expectation, 0, len(cur))
	found := false
	for _, e := range cur {
		if e.ID == id {
			found = true
			continue
		}
		next = append(next, e)
	}
	if found {
		s.snapshot.Store(&next)
	}
	return found
}

// DecrementOrRetire atomically decrements an expectation's remaining-uses
// counter and retires it from the store when it reaches zero. It returns
// whether the expectation was live (and thus dispatched) at the moment of
// the call. Called against a snapshot taken before a Reset, this is a
// documented no-op: the expectation id will simply not be
// found in the current published snapshot.
func (s *Store) DecrementOrRetire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.snapshot.Load()
	next := make([]mock.Expectation, 0, len(cur))
	live := false
	for _, e := range cur {
		if e.ID != id {
			next = append(next, e)
			continue
		}
		if !e.Live() {
			// Already retired by a racing caller; nothing to dispatch.
			next = append(next, e)
			continue
		}
		live = true
		if e.RemainingUses != mock.Unlimited {
			e.RemainingUses--
		}
		if e.Live() {
			next = append(next, e)
		}
		// else: drop it — remaining uses hit zero, expectation retires.
	}
	if live {
		s.snapshot.Store(&next)
	}
	return live
}

// Reset atomically swaps the store to empty.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	empty := []mock.Expectation{}
	s.snapshot.Store(&empty)
}

// Len returns the number of live expectations.
func (s *Store) Len() int {
	return len(s.Snapshot())
}

func matcherEqual(a, b mock.RequestMatcher) bool {
	// Structural equality over the matcher's exported fields; compiled
	// regex/schema caches are not part of identity.
	return stringMatcherEqual(a.Method, b.Method) &&
		stringMatcherEqual(a.Path, b.Path) &&
		valuesMatcherEqual(a.Query, b.Query) &&
		valuesMatcherEqual(a.Headers, b.Headers) &&
		valuesMatcherEqual(a.Cookies, b.Cookies) &&
		bodyMatcherEqual(a.Body, b.Body) &&
		a.Not == b.Not
}

func stringMatcherEqual(a, b *mock.StringMatcher) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func valuesMatcherEqual(a, b mock.ValuesMatcher) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || v != bv {
			return false
		}
	}
	return true
}

func bodyMatcherEqual(a, b *mock.BodyMatcher) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Tag == b.Tag && a.MatchType == b.MatchType && a.String == b.String &&
		bytes.Equal(a.Bytes, b.Bytes) &&
		reflect.DeepEqual(a.JSON, b.JSON) &&
		reflect.DeepEqual(a.Params, b.Params)
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// genID produces a short, readable, collision-free (per-store) expectation
// id from a monotonic counter — no UUID needed since uniqueness is scoped
// to this store instance, not cross-process.
func genID(seq uint64) string {
	if seq == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for seq > 0 {
		buf = append(buf, idAlphabet[seq%uint64(len(idAlphabet))])
		seq /= uint64(len(idAlphabet))
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return "exp-" + string(buf)
}
