// Package mock holds the data model shared by the expectation store, the
// matcher, the action dispatcher, and the journal: request fingerprints,
// request matchers, actions, and expectations.
package mock

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// Values is a multimap of header/query/cookie-style values, case preserved
// on write. Header lookups are case-insensitive (see Values.Get).
type Values map[string][]string

// Get returns the first value for name, case-insensitively, or "".
func (v Values) Get(name string) string {
	vals := v.GetAll(name)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// GetAll returns every value for name, case-insensitively.
func (v Values) GetAll(name string) []string {
	for k, vs := range v {
		if equalFold(k, name) {
			return vs
		}
	}
	return nil
}

// Encode renders v as a URL query string, preserving the multimap shape and
// sorting keys for deterministic output.
func (v Values) Encode() string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, val := range v[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// BodyTag identifies the shape of a request/matcher body.
type BodyTag string

const (
	BodyNone   BodyTag = ""
	BodyBytes  BodyTag = "BINARY"
	BodyString BodyTag = "STRING"
	BodyJSON   BodyTag = "JSON"
	BodyXML    BodyTag = "XML"
	BodyRegex  BodyTag = "REGEX"
	BodySchema BodyTag = "JSON_SCHEMA"
	BodyParams BodyTag = "PARAMETERS"
)

// Body is a tagged union over the request/matcher body shapes.
type Body struct {
	Tag BodyTag

	Bytes  []byte // BodyBytes
	String string // BodyString, BodyRegex, BodySchema (schema document), BodyXML

	JSON      any       // BodyJSON: decoded value
	MatchType MatchType // BodyJSON: STRICT vs ONLY_MATCHING_FIELDS

	Params map[string][]string // BodyParams: form-encoded parameter set
}

// MatchType controls how a JSON body matcher compares against the request.
type MatchType string

const (
	MatchStrict     MatchType = "STRICT"
	MatchOnlyFields MatchType = "ONLY_MATCHING_FIELDS"
)

// ForwardedFromHeader marks an outbound FORWARD/OVERRIDE_FORWARD request as
// having originated from this server, so that if it loops back in (the
// upstream target is this same server, directly or through another mock
// expectation) the resulting interaction can be recognized as internal
// re-entry rather than a genuine inbound call.
const ForwardedFromHeader = "X-Mockserve-Forwarded-From"

// Fingerprint is the concrete shape of a received HTTP request, the input to
// matching.
type Fingerprint struct {
	Method  string
	Path    string
	Query   Values
	Headers Values
	Cookies map[string]string
	Body    Body

	// PathParams is populated by the matcher when Expectation.Matcher.Path
	// contains `{name}` segments, for callbacks to read.
	PathParams map[string]string
}

// StringMatchMode selects how a single string field constraint is evaluated.
type StringMatchMode string

const (
	StringEquals   StringMatchMode = "EQUALS"
	StringRegex    StringMatchMode = "REGEX"
	StringPrefix   StringMatchMode = "PREFIX"
	StringContains StringMatchMode = "CONTAINS"
)

// StringMatcher is a single-field constraint: mode + pattern, case-sensitivity
// is mode-dependent (method/header names are case-insensitive;
// the EQUALS/PREFIX/CONTAINS value comparison respects CaseSensitive, while a
// REGEX pattern is evaluated as written and ignores it).
type StringMatcher struct {
	Mode          StringMatchMode
	Pattern       string
	CaseSensitive bool
}

// ValuesMatcher constrains a Values-shaped field: for every key present, at
// least one request value for that key must satisfy the per-key matcher.
// Keys absent from the matcher are unconstrained.
type ValuesMatcher map[string]StringMatcher

// BodyMatcher is a constraint over the request body, carrying both the body
// tag to compare against and the match type for JSON bodies.
type BodyMatcher struct {
	Tag       BodyTag
	MatchType MatchType

	Bytes  []byte
	String string // STRING/REGEX/XML pattern, or JSON_SCHEMA document text
	JSON   any    // decoded JSON body to compare against
	Params map[string][]string

	schema *compiledSchema // lazily compiled JSON_SCHEMA validator, see schema.go
}

// RequestMatcher is the predicate half of an Expectation: every populated
// field must be satisfied by the concrete Fingerprint, unless Not inverts
// the whole result.
type RequestMatcher struct {
	Method  *StringMatcher
	Path    *StringMatcher
	Query   ValuesMatcher
	Headers ValuesMatcher
	Cookies ValuesMatcher // value-only StringMatcher keyed by cookie name
	Body    *BodyMatcher
	Not     bool
}

// ActionKind tags the variant carried by Action.
type ActionKind string

const (
	ActionRespond         ActionKind = "RESPOND"
	ActionForward         ActionKind = "FORWARD"
	ActionOverrideForward ActionKind = "OVERRIDE_FORWARD"
	ActionClassCallback   ActionKind = "CLASS_CALLBACK"
	ActionObjectCallback  ActionKind = "OBJECT_CALLBACK"
	ActionError           ActionKind = "ERROR"
)

// Response is a literal (or template-rendered, handled upstream of this
// package — templates are an external collaborator) HTTP response
// description.
type Response struct {
	StatusCode int
	Reason     string
	Headers    Values
	Body       []byte
	Delay      time.Duration
	Jitter     time.Duration
}

// ForwardTarget names an upstream to forward to.
type ForwardTarget struct {
	Scheme string // "http" or "https"
	Host   string
	Port   int
}

// ForwardOverride overlays non-empty fields onto the original request before
// forwarding (OverrideForward).
type ForwardOverride struct {
	Method  string
	Path    string
	Query   Values
	Headers Values
	Body    []byte
}

// ErrorKind selects the transport-level fault injected by an Error action.
type ErrorKind string

const (
	ErrorDrop  ErrorKind = "DROP_CONNECTION"
	ErrorReset ErrorKind = "RESET_CONNECTION"
	ErrorDelay ErrorKind = "DELAY"
)

// Action is the tagged variant executed when an Expectation matches.
type Action struct {
	Kind ActionKind

	Respond         *Response
	Forward         *ForwardTarget
	OverrideForward *ForwardOverride
	ClassCallback   string // fully-qualified callback factory name
	ObjectCallback  string // clientId of a registered callback channel
	ErrorKind       ErrorKind
	ErrorDelay      time.Duration
}

// RemainingUses is either a bounded positive count or Unlimited.
type RemainingUses int

// Unlimited marks an expectation with no cap on dispatch count.
const Unlimited RemainingUses = -1

// Expectation is the tuple registered against the store.
type Expectation struct {
	ID            string
	Matcher       RequestMatcher
	Action        Action
	RemainingUses RemainingUses
	PriorityIndex uint64
}

// Live reports whether the expectation still has uses left.
func (e Expectation) Live() bool {
	return e.RemainingUses == Unlimited || e.RemainingUses > 0
}
