package match

import "github.com/forgebell/mockserve/internal/mock"

// Select walks the expectation snapshot in priority order and returns the
// first expectation whose matcher is satisfied by fp AND whose
// decrementOrRetire succeeds. decrementOrRetire is supplied by
// the caller (the store) so this package stays pure with respect to
// mutation. fp may be mutated in place to record extracted path parameters.
//
// Returns false if no live expectation matches.
func Select(snapshot []mock.Expectation, fp *mock.Fingerprint, decrementOrRetire func(id string) bool) (mock.Expectation, bool) {
	for _, e := range snapshot {
		if !RequestInto(e.Matcher, fp) {
			continue
		}
		if decrementOrRetire(e.ID) {
			return e, true
		}
		// Lost the race for a bounded expectation (or it was retired
		// concurrently) — keep scanning in priority order
	}
	return mock.Expectation{}, false
}

// NearMisses returns up to limit expectations whose method and path agree
// with fp but whose full matcher does not — a debugging aid surfaced on
// 404 via a response header, not used for dispatch.
func NearMisses(snapshot []mock.Expectation, fp mock.Fingerprint, limit int) []mock.Expectation {
	misses := make([]mock.Expectation, 0, limit)
	for _, e := range snapshot {
		if Request(e.Matcher, fp) {
			continue
		}
		if !methodPathMatch(e.Matcher, fp) {
			continue
		}
		misses = append(misses, e)
		if len(misses) >= limit {
			break
		}
	}
	return misses
}

func methodPathMatch(rm mock.RequestMatcher, fp mock.Fingerprint) bool {
	if rm.Method != nil && !stringMatches(*rm.Method, fp.Method) {
		return false
	}
	if rm.Path != nil {
		if _, ok := pathMatches(*rm.Path, fp.Path); !ok {
			return false
		}
	}
	return true
}
