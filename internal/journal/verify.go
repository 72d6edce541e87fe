package journal

import (
	"fmt"
	"strings"

	"github.com/forgebell/mockserve/internal/mock"
)

// Times bounds how many matching interactions must appear in the log.
type Times struct {
	AtLeast int
	AtMost  int
}

// Exactly desugars to Times{n, n}.
func Exactly(n int) Times {
	return Times{AtLeast: n, AtMost: n}
}

// AtLeastOnce allows any count >= 1 and no upper bound.
func AtLeastOnce() Times {
	return Times{AtLeast: 1, AtMost: -1}
}

func (t Times) satisfies(n int) bool {
	if n < t.AtLeast {
		return false
	}
	if t.AtMost >= 0 && n > t.AtMost {
		return false
	}
	return true
}

// VerifyResult is the outcome of a Verify/VerifySequence call.
type VerifyResult struct {
	OK       bool
	Expected string
	Actual   string
	Report   string // human-readable diff,"rendered_report"
}

// Verify checks that the log holds a count of requests matching rm that
// satisfies times. Entries marked Internal (proxied server-to-self
// re-entry) are excluded.
func (l *Log) Verify(matches func(mock.Fingerprint) bool, times Times) VerifyResult {
	l.mu.RLock()
	entries := l.entries
	var hits []Interaction
	for _, in := range entries {
		if in.Internal {
			continue
		}
		if matches(in.Request) {
			hits = append(hits, in)
		}
	}
	l.mu.RUnlock()

	if times.satisfies(len(hits)) {
		return VerifyResult{OK: true}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "expected requests to match %s, but %s\n", describeTimes(times), describeCount(len(hits)))
	if len(hits) == 0 {
		fmt.Fprintln(&b, "  no matching requests were received")
	} else {
		fmt.Fprintln(&b, "  matching requests received:")
		for _, in := range hits {
			fmt.Fprintf(&b, "    [%d] %s %s\n", in.Sequence, in.Request.Method, in.Request.Path)
		}
	}
	return VerifyResult{
		OK:       false,
		Expected: describeTimes(times),
		Actual:   describeCount(len(hits)),
		Report:   b.String(),
	}
}

// VerifySequence checks that matchers appear in the log in the given order,
// not necessarily contiguously.
func (l *Log) VerifySequence(matchers []func(mock.Fingerprint) bool) VerifyResult {
	l.mu.RLock()
	entries := make([]Interaction, 0, len(l.entries))
	for _, in := range l.entries {
		if !in.Internal {
			entries = append(entries, in)
		}
	}
	l.mu.RUnlock()

	cursor := 0
	var matchedAt []int
	for _, m := range matchers {
		found := -1
		for i := cursor; i < len(entries); i++ {
			if m(entries[i].Request) {
				found = i
				break
			}
		}
		if found < 0 {
			var b strings.Builder
			fmt.Fprintf(&b, "expected %d requests in sequence; found %d before the sequence broke\n", len(matchers), len(matchedAt))
			for i, idx := range matchedAt {
				fmt.Fprintf(&b, "  [%d] step %d matched sequence #%d: %s %s\n", i, i, entries[idx].Sequence, entries[idx].Request.Method, entries[idx].Request.Path)
			}
			fmt.Fprintf(&b, "  step %d: no later request matched\n", len(matchedAt))
			return VerifyResult{
				OK:       false,
				Expected: fmt.Sprintf("%d requests in order", len(matchers)),
				Actual:   fmt.Sprintf("%d matched before the sequence broke", len(matchedAt)),
				Report:   b.String(),
			}
		}
		matchedAt = append(matchedAt, found)
		cursor = found + 1
	}
	return VerifyResult{OK: true}
}

func describeTimes(t Times) string {
	if t.AtMost == t.AtLeast {
		return fmt.Sprintf("exactly %d time(s)", t.AtLeast)
	}
	if t.AtMost < 0 {
		return fmt.Sprintf("at least %d time(s)", t.AtLeast)
	}
	return fmt.Sprintf("between %d and %d times", t.AtLeast, t.AtMost)
}

func describeCount(n int) string {
	return fmt.Sprintf("matched %d time(s)", n)
}
