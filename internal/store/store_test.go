package store_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/forgebell/mockserve/internal/mock"
	"github.com/forgebell/mockserve/internal/store"
)

func TestStore_AddAssignsIDAndPriorityOrder(t *testing.T) {
	s := store.New()
	id1 := s.Add(mock.Expectation{})
	id2 := s.Add(mock.Expectation{})
	if id1 == id2 {
		t.Fatal("expected distinct ids")
	}

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 expectations, got %d", len(snap))
	}
	if snap[0].PriorityIndex >= snap[1].PriorityIndex {
		t.Errorf("expected insertion order by PriorityIndex, got %d then %d", snap[0].PriorityIndex, snap[1].PriorityIndex)
	}
}

func TestStore_DecrementOrRetireRetiresAtZero(t *testing.T) {
	s := store.New()
	id := s.Add(mock.Expectation{RemainingUses: 1})

	if !s.DecrementOrRetire(id) {
		t.Fatal("expected first decrement to succeed")
	}
	if s.Len() != 0 {
		t.Errorf("expected expectation to retire after exhausting uses, store has %d", s.Len())
	}
	if s.DecrementOrRetire(id) {
		t.Error("expected decrement on a retired id to report not-live")
	}
}

func TestStore_DecrementOrRetireUnlimitedNeverRetires(t *testing.T) {
	s := store.New()
	id := s.Add(mock.Expectation{RemainingUses: mock.Unlimited})

	for i := 0; i < 5; i++ {
		if !s.DecrementOrRetire(id) {
			t.Fatalf("expected unlimited expectation to stay live on call %d", i)
		}
	}
	if s.Len() != 1 {
		t.Errorf("expected unlimited expectation to remain in the store, got %d entries", s.Len())
	}
}

func TestStore_RemoveByMatcher(t *testing.T) {
	s := store.New()
	method := mock.StringMatcher{Mode: mock.StringEquals, Pattern: "GET"}
	m := mock.RequestMatcher{Method: &method}
	s.Add(mock.Expectation{Matcher: m})
	s.Add(mock.Expectation{})

	removed := s.Remove(m)
	if removed != 1 {
		t.Errorf("expected to remove 1 expectation, removed %d", removed)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 expectation left, got %d", s.Len())
	}
}

func TestStore_SnapshotPreservesMatcherStructure(t *testing.T) {
	s := store.New()
	want := mock.RequestMatcher{
		Method: &mock.StringMatcher{Mode: mock.StringEquals, Pattern: "POST"},
		Query: mock.ValuesMatcher{
			"tag": mock.StringMatcher{Mode: mock.StringContains, Pattern: "beta"},
		},
	}
	s.Add(mock.Expectation{Matcher: want})

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 expectation, got %d", len(snap))
	}
	if diff := cmp.Diff(want, snap[0].Matcher); diff != "" {
		t.Errorf("snapshot matcher diverged from what was added (-want +got):\n%s", diff)
	}
}

func TestStore_ResetClearsEverything(t *testing.T) {
	s := store.New()
	s.Add(mock.Expectation{})
	s.Add(mock.Expectation{})
	s.Reset()
	if s.Len() != 0 {
		t.Errorf("expected empty store after reset, got %d", s.Len())
	}
}

func TestStore_SnapshotIsStableUnderConcurrentAdd(t *testing.T) {
	s := store.New()
	s.Add(mock.Expectation{})
	snap := s.Snapshot()

	s.Add(mock.Expectation{})
	if len(snap) != 1 {
		t.Errorf("expected held snapshot to stay at 1 entry, got %d", len(snap))
	}
	if s.Len() != 2 {
		t.Errorf("expected store to reflect the new add, got %d", s.Len())
	}
}
