// Package client is a minimal Go client for the mock server's management
// API, grounded on the teacher's connect/httpx.Client (a BaseURL-prepending
// wrapper over *http.Client), generalized from a generic HTTP helper to the
// specific PUT /mockserver/* verbs the management API exposes.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client is a thin wrapper over *http.Client that prepends BaseURL to every
// management-API call and marshals/unmarshals the JSON request bodies.
type Client struct {
	// BaseURL is prepended to all request paths (e.g. "http://127.0.0.1:1080").
	// Must not have a trailing slash.
	BaseURL string

	// HTTP is the underlying http.Client. If nil, http.DefaultClient is used.
	HTTP *http.Client
}

// New creates a client for the given base URL.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("client: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// Expectation registers one or more expectations, returning the ids the
// server assigned.
func (c *Client) Expectation(expectations ...any) ([]string, error) {
	var body any = expectations
	if len(expectations) == 1 {
		body = expectations[0]
	}
	resp, err := c.do(http.MethodPut, "/mockserver/expectation", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, unexpectedStatus(resp)
	}
	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("client: decode expectation response: %w", err)
	}
	return ids, nil
}

// Clear removes expectations and/or log entries, optionally scoped by a
// request-matcher payload (nil clears everything). typ is "", "ALL",
// "EXPECTATIONS", or "LOG".
func (c *Client) Clear(matcher any, typ string) error {
	var req struct {
		Matcher any    `json:"matcher,omitempty"`
		Type    string `json:"type,omitempty"`
	}
	req.Matcher = matcher
	req.Type = typ
	resp, err := c.do(http.MethodPut, "/mockserver/clear", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}
	return nil
}

// Reset clears the expectation store, the recorded-interaction log, and
// every open callback registration.
func (c *Client) Reset() error {
	resp, err := c.do(http.MethodPut, "/mockserver/reset", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}
	return nil
}

// Stop asks the server to shut down; it returns once the request has been
// accepted, not once shutdown has completed.
func (c *Client) Stop() error {
	resp, err := c.do(http.MethodPut, "/mockserver/stop", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}
	return nil
}

// Status returns the set of currently bound ports.
func (c *Client) Status() ([]int, error) {
	resp, err := c.do(http.MethodPut, "/mockserver/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(resp)
	}
	var status struct {
		Ports []int `json:"ports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("client: decode status response: %w", err)
	}
	return status.Ports, nil
}

// Bind requests additional listener ports and returns the full bound set.
func (c *Client) Bind(ports []int) ([]int, error) {
	req := struct {
		Ports []int `json:"ports"`
	}{Ports: ports}
	resp, err := c.do(http.MethodPut, "/mockserver/bind", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(resp)
	}
	var status struct {
		Ports []int `json:"ports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("client: decode bind response: %w", err)
	}
	return status.Ports, nil
}

// VerifyError reports a failed verify/verifySequence call, carrying the
// human-readable mismatch report the server rendered.
type VerifyError struct {
	Report string
}

func (e *VerifyError) Error() string { return e.Report }

// Verify checks that times.atLeast/atMost matching requests were received,
// returning a *VerifyError on mismatch.
func (c *Client) Verify(requestMatcher any, atLeast, atMost int) error {
	req := struct {
		Request any `json:"request"`
		Times   struct {
			AtLeast int `json:"atLeast"`
			AtMost  int `json:"atMost"`
		} `json:"times"`
	}{Request: requestMatcher}
	req.Times.AtLeast = atLeast
	req.Times.AtMost = atMost
	return c.verifyLike("/mockserver/verify", req)
}

// VerifySequence checks that the given request-matchers appeared in the log
// in order, not necessarily contiguously.
func (c *Client) VerifySequence(requestMatchers ...any) error {
	req := struct {
		Requests []any `json:"requests"`
	}{Requests: requestMatchers}
	return c.verifyLike("/mockserver/verifySequence", req)
}

func (c *Client) verifyLike(path string, req any) error {
	resp, err := c.do(http.MethodPut, path, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusAccepted {
		return nil
	}
	report, _ := io.ReadAll(resp.Body)
	return &VerifyError{Report: string(report)}
}

// Retrieve fetches the named projection ("REQUESTS", "RESPONSES",
// "REQUEST_RESPONSES", "RECORDED_EXPECTATIONS", "LOG_MESSAGES") as raw JSON,
// optionally scoped by a request-matcher payload.
func (c *Client) Retrieve(typ string, matcher any) (json.RawMessage, error) {
	path := "/mockserver/retrieve"
	if typ != "" {
		path += "?type=" + typ
	}
	resp, err := c.do(http.MethodPut, path, matcher)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(resp)
	}
	return io.ReadAll(resp.Body)
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("client: unexpected status %d: %s", resp.StatusCode, string(body))
}
