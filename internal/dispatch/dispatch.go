// Package dispatch executes the Action attached to a matched Expectation:
// building a literal response, forwarding to an upstream (with or without
// an override), invoking a registered callback, or injecting a
// transport-level fault. Forwarding is grounded on the teacher's
// observingTransport (internal/server/proxy/http.go) for the
// capture-then-emit shape, simplified to a single synchronous round trip
// since the caller needs the forwarded response back to answer the
// original request, not a streamed proxy body.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/forgebell/mockserve/internal/callback"
	"github.com/forgebell/mockserve/internal/mock"
	"github.com/forgebell/mockserve/internal/scheduler"
)

// ErrDropConnection and ErrResetConnection signal the caller (the listener)
// to tear down the transport instead of writing a response.
var (
	ErrDropConnection  = errors.New("dispatch: drop connection")
	ErrResetConnection = errors.New("dispatch: reset connection")
)

// DefaultCallbackTimeout bounds how long an OBJECT_CALLBACK action waits
// for a client response before failing.
const DefaultCallbackTimeout = 120 * time.Second

// Callback is implemented by a registered class-callback factory's product:
// a request handler resolved by name rather than by client_id.
type Callback interface {
	Handle(ctx context.Context, req mock.Fingerprint) (mock.Response, error)
}

// Result is the outcome of dispatching a single Action.
type Result struct {
	Response          mock.Response
	ForwardedRequest  *mock.Fingerprint
	ForwardedResponse *mock.Response
}

// Dispatcher executes Actions. It is safe for concurrent use.
type Dispatcher struct {
	scheduler      *scheduler.Scheduler
	callbacks      *callback.Registry
	classRegistry  map[string]func() Callback
	httpClient     *http.Client
	callbackWait   time.Duration
}

// New creates a Dispatcher. classRegistry maps a CLASS_CALLBACK action's
// identifier to a factory producing the handler to invoke — resolved by a
// plain map lookup, never by reflection or dynamic loading.
func New(sched *scheduler.Scheduler, callbacks *callback.Registry, classRegistry map[string]func() Callback) *Dispatcher {
	if classRegistry == nil {
		classRegistry = make(map[string]func() Callback)
	}
	return &Dispatcher{
		scheduler:     sched,
		callbacks:     callbacks,
		classRegistry: classRegistry,
		httpClient:    &http.Client{Transport: http.DefaultTransport},
		callbackWait:  DefaultCallbackTimeout,
	}
}

// RegisterClass adds or replaces a class-callback factory.
func (d *Dispatcher) RegisterClass(name string, factory func() Callback) {
	d.classRegistry[name] = factory
}

// Dispatch executes action against the concrete request fp and returns the
// response to send back to the original caller.
func (d *Dispatcher) Dispatch(ctx context.Context, action mock.Action, fp mock.Fingerprint) (Result, error) {
	switch action.Kind {
	case mock.ActionRespond:
		return Result{Response: d.delayed(ctx, *action.Respond)}, nil

	case mock.ActionForward:
		return d.forward(ctx, action.Forward, nil, fp)

	case mock.ActionOverrideForward:
		return d.forward(ctx, overrideTarget(action), action.OverrideForward, fp)

	case mock.ActionClassCallback:
		factory, ok := d.classRegistry[action.ClassCallback]
		if !ok {
			return Result{}, fmt.Errorf("dispatch: no registered callback class %q", action.ClassCallback)
		}
		resp, err := factory().Handle(ctx, fp)
		if err != nil {
			return Result{}, err
		}
		return Result{Response: resp}, nil

	case mock.ActionObjectCallback:
		return d.objectCallback(ctx, action.ObjectCallback, fp)

	case mock.ActionError:
		return d.injectError(ctx, action)

	default:
		return Result{}, fmt.Errorf("dispatch: unknown action kind %q", action.Kind)
	}
}

// delayed applies Response.Delay/Jitter before returning the response,
// running the wait on the scheduler so a slow responder cannot block the
// acceptor's goroutine budget indefinitely.
func (d *Dispatcher) delayed(ctx context.Context, resp mock.Response) mock.Response {
	wait := resp.Delay
	if resp.Jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(resp.Jitter) + 1))
	}
	if wait <= 0 {
		return resp
	}
	done := make(chan struct{})
	err := d.scheduler.Schedule(ctx, wait, func(context.Context) { close(done) })
	if err != nil {
		return resp
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return resp
}

func overrideTarget(action mock.Action) *mock.ForwardTarget {
	return action.Forward
}

// objectCallback sends a request frame to a registered callback channel and
// waits for its response, correlated by a fresh correlation_id.
func (d *Dispatcher) objectCallback(ctx context.Context, clientID string, fp mock.Fingerprint) (Result, error) {
	reg, err := d.callbacks.Lookup(clientID)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: object callback %q: %w", clientID, err)
	}

	payload, err := json.Marshal(fp)
	if err != nil {
		return Result{}, err
	}

	sink, correlationID, err := reg.Send(callback.FrameRequest, payload)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: object callback %q: %w", clientID, err)
	}

	data, err := reg.Wait(sink, correlationID, d.callbackWait)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: object callback %q: %w", clientID, err)
	}

	var resp mock.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, fmt.Errorf("dispatch: object callback %q: decode response: %w", clientID, err)
	}
	return Result{Response: resp}, nil
}

// injectError realizes a transport-level fault. DROP_CONNECTION and
// RESET_CONNECTION are signaled to the listener via sentinel errors; DELAY
// blocks for the configured duration and then behaves like drop, mirroring
// a server that hung and was finally killed.
func (d *Dispatcher) injectError(ctx context.Context, action mock.Action) (Result, error) {
	switch action.ErrorKind {
	case mock.ErrorDrop:
		return Result{}, ErrDropConnection
	case mock.ErrorReset:
		return Result{}, ErrResetConnection
	case mock.ErrorDelay:
		timer := time.NewTimer(action.ErrorDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return Result{}, ErrDropConnection
	default:
		return Result{}, fmt.Errorf("dispatch: unknown error kind %q", action.ErrorKind)
	}
}

// forward sends fp to target (applying override, if any) and maps the
// upstream response back into a mock.Response. Network failures (a net.Error
// or an exceeded deadline) become a 502 rather than propagating; any other
// error is returned to the caller.
func (d *Dispatcher) forward(ctx context.Context, target *mock.ForwardTarget, override *mock.ForwardOverride, fp mock.Fingerprint) (Result, error) {
	if target == nil {
		return Result{}, errors.New("dispatch: forward action has no target")
	}

	method := fp.Method
	path := fp.Path
	query := fp.Query
	headers := fp.Headers
	var body []byte
	if fp.Body.Tag == mock.BodyBytes {
		body = fp.Body.Bytes
	} else if fp.Body.Tag == mock.BodyString {
		body = []byte(fp.Body.String)
	}

	if override != nil {
		if override.Method != "" {
			method = override.Method
		}
		if override.Path != "" {
			path = override.Path
		}
		if len(override.Query) > 0 {
			query = override.Query
		}
		if len(override.Headers) > 0 {
			headers = override.Headers
		}
		if override.Body != nil {
			body = override.Body
		}
	}

	url := fmt.Sprintf("%s://%s:%d%s", schemeOrDefault(target.Scheme), target.Host, target.Port, path)
	if len(query) > 0 {
		url += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(mock.ForwardedFromHeader, "1")

	forwardedFP := fp
	forwardedFP.Method = method
	forwardedFP.Path = path
	forwardedFP.Query = query
	forwardedFP.Headers = headers

	resp, err := d.doForwardWithRetry(ctx, req, body)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return Result{
				Response:         mock.Response{StatusCode: http.StatusBadGateway, Reason: "Bad Gateway"},
				ForwardedRequest: &forwardedFP,
			}, nil
		}
		return Result{}, fmt.Errorf("dispatch: forward to %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: forward to %s: read response: %w", url, err)
	}

	respHeaders := make(mock.Values, len(resp.Header))
	for k, vs := range resp.Header {
		respHeaders[k] = vs
	}

	forwardedResp := mock.Response{
		StatusCode: resp.StatusCode,
		Reason:     resp.Status,
		Headers:    respHeaders,
		Body:       respBody,
	}

	return Result{
		Response:          forwardedResp,
		ForwardedRequest:  &forwardedFP,
		ForwardedResponse: &forwardedResp,
	}, nil
}

// Forward failures are retried with exponential backoff since no ecosystem
// backoff library in the surveyed stack fits a single hand-off http.Client
// call this cleanly; doubling from forwardBackoffBase up to forwardBackoffMax
// with full jitter, mirroring the shape of AWS's and gRPC's clients without
// pulling in either as a dependency.
const (
	maxForwardAttempts  = 3
	forwardBackoffBase  = 25 * time.Millisecond
	forwardBackoffMax   = 400 * time.Millisecond
)

// doForwardWithRetry retries req against transient network errors only — a
// response that comes back at all, even with a 5xx status, is returned
// as-is on the first attempt, since that is the upstream's real answer.
func (d *Dispatcher) doForwardWithRetry(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	var lastErr error
	backoff := forwardBackoffBase
	for attempt := 0; attempt < maxForwardAttempts; attempt++ {
		if attempt > 0 {
			req = req.Clone(ctx)
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
			wait := time.Duration(rand.Int63n(int64(backoff) + 1))
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > forwardBackoffMax {
				backoff = forwardBackoffMax
			}
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryableForwardError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func isRetryableForwardError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF)
}

func schemeOrDefault(scheme string) string {
	if scheme == "" {
		return "http"
	}
	return scheme
}
