package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgebell/mockserve/internal/mock"
)

// The wire* types are the management API's JSON shape for expectations,
// matchers, and actions (spec §3, §6). The management-API JSON schema
// itself is out of scope per spec §1 ("external collaborators, contract
// only" beyond the §6 contracts); these types are this server's concrete
// realization of that contract.

type wireExpectation struct {
	ID            string        `json:"id,omitempty"`
	Matcher       wireMatcher   `json:"matcher"`
	Action        wireAction    `json:"action"`
	RemainingUses *int          `json:"remainingUses,omitempty"`
}

type wireStringMatcher struct {
	Mode          string `json:"mode"`
	Pattern       string `json:"pattern"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`
}

type wireMatcher struct {
	Method  *wireStringMatcher           `json:"method,omitempty"`
	Path    *wireStringMatcher           `json:"path,omitempty"`
	Query   map[string]wireStringMatcher `json:"query,omitempty"`
	Headers map[string]wireStringMatcher `json:"headers,omitempty"`
	Cookies map[string]wireStringMatcher `json:"cookies,omitempty"`
	Body    *wireBodyMatcher             `json:"body,omitempty"`
	Not     bool                         `json:"not,omitempty"`
}

type wireBodyMatcher struct {
	Tag       string              `json:"tag"`
	MatchType string              `json:"matchType,omitempty"`
	String    string              `json:"string,omitempty"`
	JSON      json.RawMessage     `json:"json,omitempty"`
	Params    map[string][]string `json:"params,omitempty"`
	// Bytes is the base64 encoding of a raw BINARY body matcher's payload.
	// encoding/json already base64-encodes a []byte field, so this is a
	// plain []byte rather than a string.
	Bytes []byte `json:"bytes,omitempty"`
}

type wireAction struct {
	Kind            string                `json:"kind"`
	Respond         *wireResponse         `json:"respond,omitempty"`
	Forward         *wireForwardTarget    `json:"forward,omitempty"`
	OverrideForward *wireForwardOverride  `json:"overrideForward,omitempty"`
	ClassCallback   string                `json:"classCallback,omitempty"`
	ObjectCallback  string                `json:"objectCallback,omitempty"`
	Error           *wireError            `json:"error,omitempty"`
}

type wireResponse struct {
	StatusCode int                 `json:"statusCode"`
	Reason     string              `json:"reason,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
	DelayMS    int                 `json:"delayMs,omitempty"`
	JitterMS   int                 `json:"jitterMs,omitempty"`
}

type wireForwardTarget struct {
	Scheme string `json:"scheme,omitempty"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

type wireForwardOverride struct {
	Method  string              `json:"method,omitempty"`
	Path    string              `json:"path,omitempty"`
	Query   map[string][]string `json:"query,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    string              `json:"body,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	DelayMS int    `json:"delayMs,omitempty"`
}

func (we wireExpectation) toDomain() (mock.Expectation, error) {
	matcher, err := we.Matcher.toDomain()
	if err != nil {
		return mock.Expectation{}, err
	}
	action, err := we.Action.toDomain()
	if err != nil {
		return mock.Expectation{}, err
	}
	uses := mock.Unlimited
	if we.RemainingUses != nil {
		uses = mock.RemainingUses(*we.RemainingUses)
	}
	return mock.Expectation{
		ID:            we.ID,
		Matcher:       matcher,
		Action:        action,
		RemainingUses: uses,
	}, nil
}

func fromDomainExpectation(e mock.Expectation) wireExpectation {
	we := wireExpectation{
		ID:      e.ID,
		Matcher: fromDomainMatcher(e.Matcher),
		Action:  fromDomainAction(e.Action),
	}
	if e.RemainingUses != mock.Unlimited {
		uses := int(e.RemainingUses)
		we.RemainingUses = &uses
	}
	return we
}

func fromDomainMatcher(rm mock.RequestMatcher) wireMatcher {
	wm := wireMatcher{Not: rm.Not}
	if rm.Method != nil {
		sm := fromDomainStringMatcher(*rm.Method)
		wm.Method = &sm
	}
	if rm.Path != nil {
		sm := fromDomainStringMatcher(*rm.Path)
		wm.Path = &sm
	}
	wm.Query = fromDomainValuesMatcher(rm.Query)
	wm.Headers = fromDomainValuesMatcher(rm.Headers)
	wm.Cookies = fromDomainValuesMatcher(rm.Cookies)
	if rm.Body != nil {
		wm.Body = fromDomainBodyMatcher(*rm.Body)
	}
	return wm
}

func fromDomainValuesMatcher(vm mock.ValuesMatcher) map[string]wireStringMatcher {
	if len(vm) == 0 {
		return nil
	}
	out := make(map[string]wireStringMatcher, len(vm))
	for k, v := range vm {
		out[k] = fromDomainStringMatcher(v)
	}
	return out
}

func fromDomainStringMatcher(sm mock.StringMatcher) wireStringMatcher {
	return wireStringMatcher{
		Mode:          string(sm.Mode),
		Pattern:       sm.Pattern,
		CaseSensitive: sm.CaseSensitive,
	}
}

func fromDomainBodyMatcher(bm mock.BodyMatcher) *wireBodyMatcher {
	wbm := &wireBodyMatcher{
		Tag:       string(bm.Tag),
		MatchType: string(bm.MatchType),
		String:    bm.String,
		Params:    bm.Params,
		Bytes:     bm.Bytes,
	}
	if bm.JSON != nil {
		if encoded, err := json.Marshal(bm.JSON); err == nil {
			wbm.JSON = encoded
		}
	}
	return wbm
}

func fromDomainAction(a mock.Action) wireAction {
	wa := wireAction{
		Kind:           string(a.Kind),
		ClassCallback:  a.ClassCallback,
		ObjectCallback: a.ObjectCallback,
	}
	if a.Respond != nil {
		wa.Respond = &wireResponse{
			StatusCode: a.Respond.StatusCode,
			Reason:     a.Respond.Reason,
			Headers:    map[string][]string(a.Respond.Headers),
			Body:       string(a.Respond.Body),
			DelayMS:    int(a.Respond.Delay / time.Millisecond),
			JitterMS:   int(a.Respond.Jitter / time.Millisecond),
		}
	}
	if a.Forward != nil {
		target := wireForwardTarget(*a.Forward)
		wa.Forward = &target
	}
	if a.OverrideForward != nil {
		wa.OverrideForward = &wireForwardOverride{
			Method:  a.OverrideForward.Method,
			Path:    a.OverrideForward.Path,
			Query:   map[string][]string(a.OverrideForward.Query),
			Headers: map[string][]string(a.OverrideForward.Headers),
			Body:    string(a.OverrideForward.Body),
		}
	}
	if a.Kind == mock.ActionError {
		wa.Error = &wireError{
			Kind:    string(a.ErrorKind),
			DelayMS: int(a.ErrorDelay / time.Millisecond),
		}
	}
	return wa
}

func (wm wireMatcher) toDomain() (mock.RequestMatcher, error) {
	rm := mock.RequestMatcher{Not: wm.Not}
	if wm.Method != nil {
		sm := wm.Method.toDomain()
		rm.Method = &sm
	}
	if wm.Path != nil {
		sm := wm.Path.toDomain()
		rm.Path = &sm
	}
	rm.Query = toValuesMatcher(wm.Query)
	rm.Headers = toValuesMatcher(wm.Headers)
	rm.Cookies = toValuesMatcher(wm.Cookies)
	if wm.Body != nil {
		bm, err := wm.Body.toDomain()
		if err != nil {
			return rm, err
		}
		rm.Body = bm
	}
	return rm, nil
}

func toValuesMatcher(m map[string]wireStringMatcher) mock.ValuesMatcher {
	if len(m) == 0 {
		return nil
	}
	out := make(mock.ValuesMatcher, len(m))
	for k, v := range m {
		out[k] = v.toDomain()
	}
	return out
}

func (wsm wireStringMatcher) toDomain() mock.StringMatcher {
	mode := wsm.Mode
	if mode == "" {
		mode = string(mock.StringEquals)
	}
	return mock.StringMatcher{
		Mode:          mock.StringMatchMode(mode),
		Pattern:       wsm.Pattern,
		CaseSensitive: wsm.CaseSensitive,
	}
}

func (wbm wireBodyMatcher) toDomain() (*mock.BodyMatcher, error) {
	bm := &mock.BodyMatcher{
		Tag:       mock.BodyTag(wbm.Tag),
		MatchType: mock.MatchType(wbm.MatchType),
		String:    wbm.String,
		Params:    wbm.Params,
		Bytes:     wbm.Bytes,
	}
	if bm.MatchType == "" {
		bm.MatchType = mock.MatchStrict
	}
	if len(wbm.JSON) > 0 {
		var decoded any
		if err := json.Unmarshal(wbm.JSON, &decoded); err != nil {
			return nil, fmt.Errorf("decode body matcher json: %w", err)
		}
		bm.JSON = decoded
	}
	return bm, nil
}

func (wa wireAction) toDomain() (mock.Action, error) {
	action := mock.Action{Kind: mock.ActionKind(wa.Kind)}
	switch action.Kind {
	case mock.ActionRespond:
		if wa.Respond == nil {
			return action, fmt.Errorf("action RESPOND requires a respond body")
		}
		resp := mock.Response{
			StatusCode: wa.Respond.StatusCode,
			Reason:     wa.Respond.Reason,
			Headers:    mock.Values(wa.Respond.Headers),
			Body:       []byte(wa.Respond.Body),
			Delay:      time.Duration(wa.Respond.DelayMS) * time.Millisecond,
			Jitter:     time.Duration(wa.Respond.JitterMS) * time.Millisecond,
		}
		action.Respond = &resp
	case mock.ActionForward:
		if wa.Forward == nil {
			return action, fmt.Errorf("action FORWARD requires a forward target")
		}
		target := mock.ForwardTarget(*wa.Forward)
		action.Forward = &target
	case mock.ActionOverrideForward:
		if wa.Forward == nil || wa.OverrideForward == nil {
			return action, fmt.Errorf("action OVERRIDE_FORWARD requires both forward and overrideForward")
		}
		target := mock.ForwardTarget(*wa.Forward)
		action.Forward = &target
		action.OverrideForward = &mock.ForwardOverride{
			Method:  wa.OverrideForward.Method,
			Path:    wa.OverrideForward.Path,
			Query:   mock.Values(wa.OverrideForward.Query),
			Headers: mock.Values(wa.OverrideForward.Headers),
			Body:    []byte(wa.OverrideForward.Body),
		}
	case mock.ActionClassCallback:
		action.ClassCallback = wa.ClassCallback
	case mock.ActionObjectCallback:
		action.ObjectCallback = wa.ObjectCallback
	case mock.ActionError:
		if wa.Error == nil {
			return action, fmt.Errorf("action ERROR requires an error body")
		}
		action.ErrorKind = mock.ErrorKind(wa.Error.Kind)
		action.ErrorDelay = time.Duration(wa.Error.DelayMS) * time.Millisecond
	default:
		return action, fmt.Errorf("unknown action kind %q", wa.Kind)
	}
	return action, nil
}

// wireVerifyRequest is the body shape accepted by /verify: a request-matcher
// plus the times bounds (spec §6). /verifySequence uses
// wireVerifySequenceRequest.
type wireVerifyRequest struct {
	Request wireMatcher `json:"request"`
	Times   wireTimes   `json:"times"`
}

type wireTimes struct {
	AtLeast int `json:"atLeast"`
	AtMost  int `json:"atMost"`
}

func (wt wireTimes) toDomain() timesOrDefault {
	if wt.AtLeast == 0 && wt.AtMost == 0 {
		return timesOrDefault{atLeast: 1, atMost: -1}
	}
	atMost := wt.AtMost
	if atMost == 0 {
		atMost = -1
	}
	return timesOrDefault{atLeast: wt.AtLeast, atMost: atMost}
}

type timesOrDefault struct {
	atLeast int
	atMost  int
}

type wireVerifySequenceRequest struct {
	Requests []wireMatcher `json:"requests"`
}

type wireClearRequest struct {
	Matcher *wireMatcher `json:"matcher,omitempty"`
	Type    string       `json:"type,omitempty"` // EXPECTATIONS, LOG, ALL
}
