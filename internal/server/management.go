// Management API handlers: expectation registration, clearing, reset,
// retrieval, and verification. Grounded on the teacher's server.go handler
// style (one method per route, decode-wire / call-domain / writeJSON),
// generalized to the mock server's own domain objects.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/forgebell/mockserve/internal/journal"
	"github.com/forgebell/mockserve/internal/match"
	"github.com/forgebell/mockserve/internal/mock"
)

// handleExpectation adds one or more expectations from the request body,
// accepting either a single expectation object or an array, and returns the
// assigned ids.
func (s *Server) handleExpectation(w http.ResponseWriter, r *http.Request) {
	raw, err := readAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var wires []wireExpectation
	if err := json.Unmarshal(raw, &wires); err != nil {
		var single wireExpectation
		if err := json.Unmarshal(raw, &single); err != nil {
			http.Error(w, fmt.Sprintf("decode expectation body: %v", err), http.StatusBadRequest)
			return
		}
		wires = []wireExpectation{single}
	}

	ids := make([]string, 0, len(wires))
	for _, we := range wires {
		e, err := we.toDomain()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ids = append(ids, s.store.Add(e))
	}
	writeJSON(w, http.StatusCreated, ids)
}

// handleClear removes expectations and/or log entries, optionally scoped by
// a request-matcher, and optionally restricted to "EXPECTATIONS" or "LOG"
// by Type ("" or "ALL" clears both).
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req wireClearRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	var rm *mock.RequestMatcher
	if req.Matcher != nil {
		m, err := req.Matcher.toDomain()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rm = &m
	}

	typ := strings.ToUpper(req.Type)
	clearExpectations := typ == "" || typ == "ALL" || typ == "EXPECTATIONS"
	clearLog := typ == "" || typ == "ALL" || typ == "LOG"

	if clearExpectations {
		if rm != nil {
			s.store.Remove(*rm)
		} else {
			s.store.Reset()
		}
	}
	if clearLog {
		if rm != nil {
			s.log.Clear(func(in journal.Interaction) bool { return match.Request(*rm, in.Request) })
		} else {
			s.log.Clear(nil)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleReset performs a full reset (store, log, callback registrations);
// bound ports are left untouched.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.Reset()
	w.WriteHeader(http.StatusOK)
}

// handleStop triggers Stop asynchronously and responds before shutdown
// completes, matching "PUT /stop ... responds before shutdown completes".
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	go s.Stop(context.Background())
	w.WriteHeader(http.StatusOK)
}

// handleVerify checks the log for a count of matching requests satisfying
// times, responding 202 on success or 406 with a human-readable report.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req wireVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rm, err := req.Request.toDomain()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	times := req.Times.toDomain()

	result := s.log.Verify(func(fp mock.Fingerprint) bool { return match.Request(rm, fp) },
		journal.Times{AtLeast: times.atLeast, AtMost: times.atMost})
	writeVerifyResult(w, result)
}

// handleVerifySequence checks that the given request-matchers appear in the
// log in order, not necessarily contiguously.
func (s *Server) handleVerifySequence(w http.ResponseWriter, r *http.Request) {
	var req wireVerifySequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	matchers := make([]func(mock.Fingerprint) bool, 0, len(req.Requests))
	for _, wm := range req.Requests {
		rm, err := wm.toDomain()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		matchers = append(matchers, func(fp mock.Fingerprint) bool { return match.Request(rm, fp) })
	}

	result := s.log.VerifySequence(matchers)
	writeVerifyResult(w, result)
}

func writeVerifyResult(w http.ResponseWriter, result journal.VerifyResult) {
	if result.OK {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotAcceptable)
	fmt.Fprint(w, result.Report)
}

// handleRetrieve implements PUT /retrieve?type=&format=, optionally scoped
// by a request-matcher body. type selects the projection (REQUESTS,
// RESPONSES, REQUEST_RESPONSES, RECORDED_EXPECTATIONS, LOG_MESSAGES);
// format selects the rendering (JSON, or the textual LOG_ENTRIES/JAVA
// renderings).
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	typ := strings.ToUpper(r.URL.Query().Get("type"))
	if typ == "" {
		typ = "REQUESTS"
	}
	format := strings.ToUpper(r.URL.Query().Get("format"))
	if format == "" {
		format = "JSON"
	}

	var rm *mock.RequestMatcher
	if raw, err := readAll(r.Body); err == nil && len(strings.TrimSpace(string(raw))) > 0 {
		var wm wireMatcher
		if err := json.Unmarshal(raw, &wm); err == nil {
			m, err := wm.toDomain()
			if err == nil {
				rm = &m
			}
		}
	}

	entries := s.log.Snapshot()
	if rm != nil {
		filtered := entries[:0:0]
		for _, in := range entries {
			if match.Request(*rm, in.Request) {
				filtered = append(filtered, in)
			}
		}
		entries = filtered
	}

	switch typ {
	case "RECORDED_EXPECTATIONS":
		snapshot := s.store.Snapshot()
		out := make([]wireExpectation, 0, len(snapshot))
		for _, e := range snapshot {
			out = append(out, fromDomainExpectation(e))
		}
		writeRetrieval(w, format, "recorded expectations", out, func(we wireExpectation) string {
			return fmt.Sprintf("%s: %s", we.ID, we.Action.Kind)
		})
	case "LOG_MESSAGES":
		writeRetrieval(w, format, "log messages", entries, func(in journal.Interaction) string {
			return fmt.Sprintf("[%d] %s %s -> %d", in.Sequence, in.Request.Method, in.Request.Path, in.Response.StatusCode)
		})
	case "RESPONSES":
		out := make([]wireRetrievedResponse, 0, len(entries))
		for _, in := range entries {
			out = append(out, fromResponse(in.Response))
		}
		writeRetrieval(w, format, "responses", out, func(wr wireRetrievedResponse) string {
			return fmt.Sprintf("%d %s", wr.StatusCode, wr.Reason)
		})
	case "REQUEST_RESPONSES":
		out := make([]wireInteraction, 0, len(entries))
		for _, in := range entries {
			out = append(out, fromInteraction(in))
		}
		writeRetrieval(w, format, "request-responses", out, func(wi wireInteraction) string {
			return fmt.Sprintf("[%d] %s %s -> %d", wi.Sequence, wi.Request.Method, wi.Request.Path, wi.Response.StatusCode)
		})
	default: // REQUESTS
		out := make([]wireFingerprint, 0, len(entries))
		for _, in := range entries {
			out = append(out, fromFingerprint(in.Request))
		}
		writeRetrieval(w, format, "requests", out, func(wf wireFingerprint) string {
			return fmt.Sprintf("%s %s", wf.Method, wf.Path)
		})
	}
}

// writeRetrieval renders items as JSON, or — for the LOG_ENTRIES/JAVA
// textual formats — as one descriptive line per item via describe. JAVA
// (code-generation output in the source product) has no Go analogue, so it
// renders the same textual form as LOG_ENTRIES.
func writeRetrieval[T any](w http.ResponseWriter, format, label string, items []T, describe func(T) string) {
	if format == "LOG_ENTRIES" || format == "JAVA" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if len(items) == 0 {
			fmt.Fprintf(w, "no %s recorded\n", label)
			return
		}
		for _, item := range items {
			fmt.Fprintln(w, describe(item))
		}
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// wireFingerprint, wireRetrievedResponse, and wireInteraction are the JSON
// projections returned by /retrieve — camelCase renderings of the internal
// mock.Fingerprint/mock.Response/journal.Interaction shapes.
type wireFingerprint struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   map[string][]string `json:"query,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Cookies map[string]string   `json:"cookies,omitempty"`
	Body    string              `json:"body,omitempty"`
}

func fromFingerprint(fp mock.Fingerprint) wireFingerprint {
	return wireFingerprint{
		Method:  fp.Method,
		Path:    fp.Path,
		Query:   map[string][]string(fp.Query),
		Headers: map[string][]string(fp.Headers),
		Cookies: fp.Cookies,
		Body:    bodyText(fp.Body),
	}
}

func bodyText(b mock.Body) string {
	switch b.Tag {
	case mock.BodyJSON:
		data, err := json.Marshal(b.JSON)
		if err != nil {
			return string(b.Bytes)
		}
		return string(data)
	case mock.BodyString:
		return b.String
	case mock.BodyBytes:
		return string(b.Bytes)
	default:
		return ""
	}
}

type wireRetrievedResponse struct {
	StatusCode int                 `json:"statusCode"`
	Reason     string              `json:"reason,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
}

func fromResponse(resp mock.Response) wireRetrievedResponse {
	return wireRetrievedResponse{
		StatusCode: resp.StatusCode,
		Reason:     resp.Reason,
		Headers:    map[string][]string(resp.Headers),
		Body:       string(resp.Body),
	}
}

type wireInteraction struct {
	Sequence          uint64                 `json:"sequence"`
	ExpectationID     string                 `json:"expectationId,omitempty"`
	Request           wireFingerprint        `json:"request"`
	Response          wireRetrievedResponse  `json:"response"`
	ForwardedRequest  *wireFingerprint       `json:"forwardedRequest,omitempty"`
	ForwardedResponse *wireRetrievedResponse `json:"forwardedResponse,omitempty"`
}

func fromInteraction(in journal.Interaction) wireInteraction {
	wi := wireInteraction{
		Sequence:      in.Sequence,
		ExpectationID: in.ExpectationID,
		Request:       fromFingerprint(in.Request),
		Response:      fromResponse(in.Response),
	}
	if in.ForwardedRequest != nil {
		fr := fromFingerprint(*in.ForwardedRequest)
		wi.ForwardedRequest = &fr
	}
	if in.ForwardedResponse != nil {
		fr := fromResponse(*in.ForwardedResponse)
		wi.ForwardedResponse = &fr
	}
	return wi
}
