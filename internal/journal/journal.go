// Package journal is the append-only recorded-interaction log,
// grounded on the teacher's EventLog (server/eventlog.go): a mutex-guarded
// slice with a monotonic sequence counter and a notify channel that is
// closed and replaced on every append. The channel is not exposed outside
// the package, so callers read new entries with Since or Snapshot.
package journal

import (
	"sort"
	"sync"
	"time"

	"github.com/forgebell/mockserve/internal/mock"
)

// Interaction is a single recorded exchange.
type Interaction struct {
	Sequence          uint64
	ReceivedAt        time.Time
	ExpectationID     string // empty when nothing matched
	Request           mock.Fingerprint
	Response          mock.Response
	ForwardedRequest  *mock.Fingerprint
	ForwardedResponse *mock.Response

	// Internal marks a proxied re-entry whose target authority is this same
	// server: recorded for visibility but excluded from verify/verifySequence
	// matching.
	Internal bool
}

// Log is the append-only, optionally bounded recorded-interaction ring.
// Capacity 0 means unbounded.
type Log struct {
	mu       sync.RWMutex
	entries  []Interaction
	seq      uint64
	capacity int
	notify   chan struct{}
}

// New creates a Log bounded to capacity entries (FIFO eviction); capacity
// <= 0 means unbounded.
func New(capacity int) *Log {
	return &Log{capacity: capacity, notify: make(chan struct{})}
}

// Append records an interaction, assigning it the next sequence number, and
// returns that sequence.
func (l *Log) Append(in Interaction) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	in.Sequence = l.seq
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}
	l.entries = append(l.entries, in)
	if l.capacity > 0 && len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}

	ch := l.notify
	l.notify = make(chan struct{})
	close(ch)

	return in.Sequence
}

// Snapshot returns a consistent point-in-time copy of the recorded
// interactions, oldest first.
func (l *Log) Snapshot() []Interaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Interaction, len(l.entries))
	copy(out, l.entries)
	return out
}

// Since returns entries with Sequence > seq, oldest first.
func (l *Log) Since(seq uint64) []Interaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Sequence > seq })
	if i >= len(l.entries) {
		return nil
	}
	out := make([]Interaction, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

// Clear removes entries matching pred, or all entries when pred is nil.
func (l *Log) Clear(pred func(Interaction) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pred == nil {
		n := len(l.entries)
		l.entries = nil
		return n
	}
	kept := l.entries[:0:0]
	removed := 0
	for _, in := range l.entries {
		if pred(in) {
			removed++
			continue
		}
		kept = append(kept, in)
	}
	l.entries = kept
	return removed
}

// Reset empties the log.
func (l *Log) Reset() {
	l.Clear(nil)
}

// Len returns the number of currently retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
