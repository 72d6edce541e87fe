// Package match implements the pure request/matcher predicate: given a
// concrete request Fingerprint and an Expectation's RequestMatcher, does
// the request satisfy the matcher?
package match

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/forgebell/mockserve/internal/mock"
)

// regexCache avoids recompiling the same pattern on every request; matchers
// are long-lived (registered once, evaluated many times) so this pays for
// itself after the first hit.
var regexCache sync.Map // pattern string -> *regexp.Regexp

func compile(pattern string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Request reports whether fp satisfies rm, applying rm.Not last: if Not is
// set, the overall result is inverted after every field has been evaluated.
func Request(rm mock.RequestMatcher, fp mock.Fingerprint) bool {
	ok := requestFields(rm, &fp)
	if rm.Not {
		return !ok
	}
	return ok
}

// RequestInto is Request, but records any path parameters extracted while
// matching rm.Path back onto *fp. Used by the selection loop so a winning
// match's captures survive past the call.
func RequestInto(rm mock.RequestMatcher, fp *mock.Fingerprint) bool {
	ok := requestFields(rm, fp)
	if rm.Not {
		return !ok
	}
	return ok
}

func requestFields(rm mock.RequestMatcher, fp *mock.Fingerprint) bool {
	if rm.Method != nil && !stringMatches(*rm.Method, fp.Method) {
		return false
	}
	if rm.Path != nil {
		params, ok := pathMatches(*rm.Path, fp.Path)
		if !ok {
			return false
		}
		if len(params) > 0 {
			fp.PathParams = params
		}
	}
	if !valuesMatch(rm.Query, fp.Query) {
		return false
	}
	if !valuesMatch(rm.Headers, fp.Headers) {
		return false
	}
	if !cookiesMatch(rm.Cookies, fp.Cookies) {
		return false
	}
	if rm.Body != nil && !bodyMatches(rm.Body, fp.Body) {
		return false
	}
	return true
}

func stringMatches(sm mock.StringMatcher, value string) bool {
	a, b := value, sm.Pattern
	if !sm.CaseSensitive && sm.Mode != mock.StringRegex {
		a, b = strings.ToLower(a), strings.ToLower(b)
	}
	switch sm.Mode {
	case mock.StringEquals, "":
		return a == b
	case mock.StringPrefix:
		return strings.HasPrefix(a, b)
	case mock.StringContains:
		return strings.Contains(a, b)
	case mock.StringRegex:
		re, err := compile(sm.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	default:
		return false
	}
}

// paramSegment recognizes "{name}" path-parameter segments: each one
// matches any non-slash path segment and its captured value is exposed to
// callbacks through Fingerprint.PathParams.
var paramSegment = regexp.MustCompile(`\{[^/{}]+\}`)

// pathMatches compiles sm.Pattern's {name} segments into a capturing regex
// the first time it is seen, then evaluates it against path. It returns the
// captured path parameters on a match.
func pathMatches(sm mock.StringMatcher, path string) (map[string]string, bool) {
	if sm.Mode == mock.StringRegex || !strings.Contains(sm.Pattern, "{") {
		return nil, stringMatches(sm, path)
	}

	names := []string{}
	pattern := paramSegment.ReplaceAllStringFunc(sm.Pattern, func(seg string) string {
		names = append(names, seg[1:len(seg)-1])
		return `([^/]+)`
	})
	re, err := compile("^" + pattern + "$")
	if err != nil {
		return nil, false
	}
	groups := re.FindStringSubmatch(path)
	if groups == nil {
		return nil, false
	}
	params := make(map[string]string, len(names))
	for i, name := range names {
		params[name] = groups[i+1]
	}
	return params, true
}

// valuesMatch implements multiset semantics: for every key mentioned in the
// matcher, at least one of the request's values for that key must satisfy
// the value predicate. Keys not mentioned are unconstrained.
func valuesMatch(vm mock.ValuesMatcher, values mock.Values) bool {
	for key, sm := range vm {
		candidates := values.GetAll(key)
		if !anyMatches(sm, candidates) {
			return false
		}
	}
	return true
}

func cookiesMatch(vm mock.ValuesMatcher, cookies map[string]string) bool {
	for name, sm := range vm {
		if !stringMatches(sm, cookies[name]) {
			return false
		}
	}
	return true
}

func anyMatches(sm mock.StringMatcher, candidates []string) bool {
	for _, c := range candidates {
		if stringMatches(sm, c) {
			return true
		}
	}
	return false
}

func bodyMatches(bm *mock.BodyMatcher, body mock.Body) bool {
	switch bm.Tag {
	case mock.BodyNone:
		return true
	case mock.BodyBytes:
		return bytes.Equal(bm.Bytes, body.Bytes)
	case mock.BodyString:
		return bm.String == body.String
	case mock.BodyRegex:
		re, err := compile(bm.String)
		if err != nil {
			return false
		}
		return re.Match(body.Bytes) || re.MatchString(body.String)
	case mock.BodyXML:
		return strings.TrimSpace(bm.String) == strings.TrimSpace(body.String)
	case mock.BodyJSON:
		return jsonMatches(bm, body)
	case mock.BodySchema:
		return schemaMatches(bm, body)
	case mock.BodyParams:
		return paramsMatch(bm.Params, body.Params)
	default:
		return false
	}
}

func jsonMatches(bm *mock.BodyMatcher, body mock.Body) bool {
	switch bm.MatchType {
	case mock.MatchOnlyFields:
		return jsonSubset(bm.JSON, body.JSON)
	default: // STRICT
		return jsonDeepEqual(bm.JSON, body.JSON)
	}
}

func jsonDeepEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	var na, nb any
	if json.Unmarshal(ab, &na) != nil || json.Unmarshal(bb, &nb) != nil {
		return false
	}
	return deepEqualNormalized(na, nb)
}

func deepEqualNormalized(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !deepEqualNormalized(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualNormalized(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// jsonSubset implements ONLY_MATCHING_FIELDS: every field present in the
// matcher's JSON must equal the request's corresponding field; extra fields
// in the request are permitted.
func jsonSubset(matcherJSON, requestJSON any) bool {
	matcherMap, ok := matcherJSON.(map[string]any)
	if !ok {
		return deepEqualNormalized(matcherJSON, requestJSON)
	}
	requestMap, ok := requestJSON.(map[string]any)
	if !ok {
		return false
	}
	for k, wantV := range matcherMap {
		gotV, present := requestMap[k]
		if !present {
			return false
		}
		if wantSub, ok := wantV.(map[string]any); ok {
			if !jsonSubset(wantSub, gotV) {
				return false
			}
			continue
		}
		if !deepEqualNormalized(wantV, gotV) {
			return false
		}
	}
	return true
}

func schemaMatches(bm *mock.BodyMatcher, body mock.Body) bool {
	cs, err := bm.CompileSchema()
	if err != nil {
		return false
	}
	var value any
	if err := json.Unmarshal(body.Bytes, &value); err != nil {
		return false
	}
	return cs.Validate(value)
}

func paramsMatch(matcher, request map[string][]string) bool {
	for key, wantVals := range matcher {
		gotVals, ok := request[key]
		if !ok {
			return false
		}
		for _, want := range wantVals {
			found := false
			for _, got := range gotVals {
				if want == got {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}
