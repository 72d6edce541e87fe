package match_test

import (
	"testing"

	"github.com/forgebell/mockserve/internal/match"
	"github.com/forgebell/mockserve/internal/mock"
)

func strMatcher(pattern string) *mock.StringMatcher {
	return &mock.StringMatcher{Mode: mock.StringEquals, Pattern: pattern}
}

func TestRequest_MethodAndPath(t *testing.T) {
	rm := mock.RequestMatcher{Method: strMatcher("GET"), Path: strMatcher("/hello")}
	fp := mock.Fingerprint{Method: "GET", Path: "/hello"}
	if !match.Request(rm, fp) {
		t.Error("expected matching method and path to match")
	}

	fp.Path = "/other"
	if match.Request(rm, fp) {
		t.Error("expected mismatched path to fail")
	}
}

func TestRequest_NotInvertsResult(t *testing.T) {
	rm := mock.RequestMatcher{Method: strMatcher("GET"), Not: true}
	if match.Request(rm, mock.Fingerprint{Method: "GET"}) {
		t.Error("expected Not to invert a true match to false")
	}
	if !match.Request(rm, mock.Fingerprint{Method: "POST"}) {
		t.Error("expected Not to invert a false match to true")
	}
}

func TestRequestInto_CapturesPathParams(t *testing.T) {
	rm := mock.RequestMatcher{Path: strMatcher("/orders/{id}")}
	fp := mock.Fingerprint{Path: "/orders/42"}
	if !match.RequestInto(rm, &fp) {
		t.Fatal("expected path-param pattern to match")
	}
	if fp.PathParams["id"] != "42" {
		t.Errorf("PathParams[id] = %q, want 42", fp.PathParams["id"])
	}
}

func TestRequest_QueryMultisetSemantics(t *testing.T) {
	rm := mock.RequestMatcher{
		Query: mock.ValuesMatcher{"tag": {Mode: mock.StringEquals, Pattern: "b"}},
	}
	fp := mock.Fingerprint{Query: mock.Values{"tag": {"a", "b", "c"}}}
	if !match.Request(rm, fp) {
		t.Error("expected at least one matching query value to satisfy the matcher")
	}

	fp.Query = mock.Values{"tag": {"a", "c"}}
	if match.Request(rm, fp) {
		t.Error("expected no matching query value to fail")
	}
}

func TestRequest_JSONBodyStrictVsOnlyMatchingFields(t *testing.T) {
	bm := &mock.BodyMatcher{
		Tag:       mock.BodyJSON,
		MatchType: mock.MatchOnlyFields,
		JSON:      map[string]any{"name": "ok"},
	}
	rm := mock.RequestMatcher{Body: bm}
	fp := mock.Fingerprint{Body: mock.Body{Tag: mock.BodyJSON, JSON: map[string]any{"name": "ok", "extra": 1}}}
	if !match.Request(rm, fp) {
		t.Error("expected ONLY_MATCHING_FIELDS to ignore extra request fields")
	}

	bm.MatchType = mock.MatchStrict
	if match.Request(rm, fp) {
		t.Error("expected STRICT to reject extra request fields")
	}
}

func TestNearMisses_SameMethodPathDifferentHeader(t *testing.T) {
	snapshot := []mock.Expectation{
		{
			ID: "e1",
			Matcher: mock.RequestMatcher{
				Method:  strMatcher("GET"),
				Path:    strMatcher("/hello"),
				Headers: mock.ValuesMatcher{"X-Token": {Mode: mock.StringEquals, Pattern: "secret"}},
			},
		},
		{
			ID:      "e2",
			Matcher: mock.RequestMatcher{Method: strMatcher("POST"), Path: strMatcher("/other")},
		},
	}
	fp := mock.Fingerprint{Method: "GET", Path: "/hello", Headers: mock.Values{"X-Token": {"wrong"}}}

	misses := match.NearMisses(snapshot, fp, 3)
	if len(misses) != 1 || misses[0].ID != "e1" {
		t.Errorf("NearMisses = %v, want [e1]", misses)
	}
}

func TestNearMisses_ExcludesActualMatches(t *testing.T) {
	snapshot := []mock.Expectation{
		{ID: "e1", Matcher: mock.RequestMatcher{Method: strMatcher("GET"), Path: strMatcher("/hello")}},
	}
	fp := mock.Fingerprint{Method: "GET", Path: "/hello"}

	if misses := match.NearMisses(snapshot, fp, 3); len(misses) != 0 {
		t.Errorf("expected no near-misses for a real match, got %v", misses)
	}
}
