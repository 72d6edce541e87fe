// Package server implements the Listener & Channel Pipeline, the Request
// Classifier, the management API, and the Lifecycle: everything that turns
// the pure internal/mock, internal/match, internal/store, internal/dispatch,
// internal/callback, and internal/journal packages into a running HTTP(S)
// mock server. Grounded on the teacher's server.go (mux-based routing,
// per-instance state) and lifecycle.go (run.Sequence/run.Group staged
// shutdown), generalized from environment orchestration to a single mock
// server process.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgebell/mockserve/internal/callback"
	"github.com/forgebell/mockserve/internal/dispatch"
	"github.com/forgebell/mockserve/internal/journal"
	"github.com/forgebell/mockserve/internal/match"
	"github.com/forgebell/mockserve/internal/mock"
	"github.com/forgebell/mockserve/internal/scheduler"
	"github.com/forgebell/mockserve/internal/store"
	"github.com/gorilla/websocket"
)

// callbackUpgradePath is the reserved path for the callback channel
// WebSocket handshake (spec §6).
const callbackUpgradePath = "/_mockserver_callback_websocket"

// managementAliases maps the legacy root-relative management paths to their
// preferred /mockserver equivalents (spec §6 "preferred, or at root for
// backward compatibility").
var managementAliases = map[string]string{
	"/expectation":    "/mockserver/expectation",
	"/clear":          "/mockserver/clear",
	"/reset":          "/mockserver/reset",
	"/retrieve":       "/mockserver/retrieve",
	"/verify":         "/mockserver/verify",
	"/verifySequence": "/mockserver/verifySequence",
	"/status":         "/mockserver/status",
	"/bind":           "/mockserver/bind",
	"/stop":           "/mockserver/stop",
}

// Config collects the tunables named by the spec's environment /
// configuration list, each with a sensible default applied by WithDefaults.
type Config struct {
	ListenIP                string
	Ports                   []int
	MaxLogEntries           int
	MaxExpectations         int
	MaxWebsocketQueue       int
	CallbackResponseTimeout time.Duration
	SocketConnectionTimeout time.Duration
	MaxSocketTimeout        time.Duration
	TLSCertFile             string
	TLSKeyFile              string
	Logger                  *log.Logger
}

// WithDefaults fills unset fields with sensible defaults.
func (c Config) WithDefaults() Config {
	if c.ListenIP == "" {
		c.ListenIP = "127.0.0.1"
	}
	if c.MaxLogEntries == 0 {
		c.MaxLogEntries = 10000
	}
	if c.MaxExpectations == 0 {
		c.MaxExpectations = 10000
	}
	if c.MaxWebsocketQueue == 0 {
		c.MaxWebsocketQueue = 64
	}
	if c.CallbackResponseTimeout == 0 {
		c.CallbackResponseTimeout = dispatch.DefaultCallbackTimeout
	}
	if c.SocketConnectionTimeout == 0 {
		c.SocketConnectionTimeout = 60 * time.Second
	}
	if c.MaxSocketTimeout == 0 {
		c.MaxSocketTimeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "mockserved ", log.LstdFlags)
	}
	return c
}

// Server is a single mock server process: expectation store, matcher,
// dispatcher, callback registry, and journal wired behind an HTTP listener.
type Server struct {
	cfg Config

	store      *store.Store
	log        *journal.Log
	callbacks  *callback.Registry
	scheduler  *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	ports      *PortAllocator

	mu        sync.RWMutex
	listeners map[int]net.Listener
	servers   map[int]*http.Server
	wg        sync.WaitGroup

	reqCounter uint64 // atomic, numbers the per-request child loggers

	state      int32 // atomic, see state in lifecycle.go
	instanceID string
}

// New constructs a Server. It does not bind any ports until Start is called.
func New(cfg Config) *Server {
	cfg = cfg.WithDefaults()
	sched := scheduler.New(0)
	cb := callback.NewRegistry()
	s := &Server{
		cfg:        cfg,
		store:      store.New(),
		log:        journal.New(cfg.MaxLogEntries),
		callbacks:  cb,
		scheduler:  sched,
		dispatcher: dispatch.New(sched, cb, nil),
		ports:      NewPortAllocator(),
		listeners:  make(map[int]net.Listener),
		servers:    make(map[int]*http.Server),
		instanceID: fmt.Sprintf("mockserve-%d", time.Now().UnixNano()),
	}
	return s
}

// RegisterCallbackClass exposes the dispatcher's class-callback registry so
// an embedder can install in-process CLASS_CALLBACK handlers before Start.
func (s *Server) RegisterCallbackClass(name string, factory func() dispatch.Callback) {
	s.dispatcher.RegisterClass(name, factory)
}

// handler builds the per-port request pipeline: the Request Classifier
// (spec §4.2, first-match-wins) followed by the matching handler.
func (s *Server) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := atomic.AddUint64(&s.reqCounter, 1)
		l := log.New(s.cfg.Logger.Writer(), fmt.Sprintf("#%d ", reqID), log.LstdFlags|log.Lmicroseconds)
		l.Printf("%s %s - %db", r.Method, r.URL.Path, r.ContentLength)
		r = r.WithContext(withRequestLogger(r.Context(), l))

		path := r.URL.Path
		if canonical, ok := managementAliases[path]; ok {
			path = canonical
		}

		if r.Method == http.MethodOptions && isManagementPath(path) {
			writeCORSPreflight(w)
			return
		}

		switch {
		case path == "/mockserver/expectation" && r.Method == http.MethodPut:
			s.handleExpectation(w, r)
		case path == "/mockserver/clear" && r.Method == http.MethodPut:
			s.handleClear(w, r)
		case path == "/mockserver/reset" && r.Method == http.MethodPut:
			s.handleReset(w, r)
		case path == "/mockserver/retrieve" && r.Method == http.MethodPut:
			s.handleRetrieve(w, r)
		case path == "/mockserver/verify" && r.Method == http.MethodPut:
			s.handleVerify(w, r)
		case path == "/mockserver/verifySequence" && r.Method == http.MethodPut:
			s.handleVerifySequence(w, r)
		case path == "/mockserver/status" && r.Method == http.MethodPut:
			s.handleStatus(w, r)
		case path == "/mockserver/bind" && r.Method == http.MethodPut:
			s.handleBind(w, r)
		case path == "/mockserver/stop" && r.Method == http.MethodPut:
			s.handleStop(w, r)
		case r.URL.Path == callbackUpgradePath:
			s.handleCallbackUpgrade(w, r)
		default:
			s.handleMock(w, r)
		}
	})
}

// isManagementPath reports whether path is one of the reserved /mockserver
// routes, used to answer CORS preflight requests without routing them to
// the mock-dispatch path.
func isManagementPath(path string) bool {
	for _, canonical := range managementAliases {
		if path == canonical {
			return true
		}
	}
	return path == callbackUpgradePath
}

// writeCORSPreflight answers an OPTIONS request on a management path with
// the headers a browser-based client needs to follow up with the real
// request, since the management API has no same-origin relationship with
// whatever page is driving it.
func writeCORSPreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "PUT, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCallbackUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.WriteHeader(http.StatusNotImplemented)
		fmt.Fprintf(w, "unsupported path on the callback socket: %s %s", r.Method, r.URL.Path)
		return
	}
	if err := s.callbacks.Handshake(w, r); err != nil {
		s.requestLogger(r.Context()).Printf("callback handshake failed: %v", err)
	}
}

// handleMock is the mock-dispatch path (spec §4.2 rule 3): build a
// Fingerprint, select a matching expectation, dispatch its action, write the
// response, and record the interaction.
func (s *Server) handleMock(w http.ResponseWriter, r *http.Request) {
	if !s.isRunning() {
		http.Error(w, StoppedMessage, http.StatusServiceUnavailable)
		return
	}

	fp, err := buildFingerprint(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snapshot := s.store.Snapshot()
	expectation, matched := match.Select(snapshot, &fp, s.store.DecrementOrRetire)

	// A HEAD request with no direct match is retried as GET, since clients
	// commonly register only the GET form of an endpoint (spec silence on
	// HEAD, resolved by falling back rather than 404ing).
	if !matched && fp.Method == http.MethodHead {
		getFP := fp
		getFP.Method = http.MethodGet
		if e, ok := match.Select(snapshot, &getFP, s.store.DecrementOrRetire); ok {
			expectation, matched = e, true
			fp.PathParams = getFP.PathParams
		}
	}

	in := journal.Interaction{Request: fp, Internal: isInternalReentry(r)}

	if !matched {
		if misses := match.NearMisses(snapshot, fp, 3); len(misses) > 0 {
			ids := make([]string, len(misses))
			for i, m := range misses {
				ids[i] = m.ID
			}
			w.Header().Set("X-Mock-Near-Misses", strings.Join(ids, ","))
		}
		w.WriteHeader(http.StatusNotFound)
		in.Response = mock.Response{StatusCode: http.StatusNotFound}
		s.log.Append(in)
		return
	}
	in.ExpectationID = expectation.ID

	result, err := s.dispatcher.Dispatch(r.Context(), expectation.Action, fp)
	if err != nil {
		if !isDropOrReset(err) {
			s.requestLogger(r.Context()).Printf("dispatch %s: %v", expectation.ID, err)
		}
		s.writeDispatchError(w, err)
		in.Response = mock.Response{StatusCode: statusForDispatchError(err)}
		s.log.Append(in)
		return
	}

	in.Response = result.Response
	in.ForwardedRequest = result.ForwardedRequest
	in.ForwardedResponse = result.ForwardedResponse
	s.log.Append(in)

	writeResponse(w, result.Response, r.Method == http.MethodHead)
}

type requestLoggerKey struct{}

func withRequestLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, requestLoggerKey{}, l)
}

// requestLogger returns the per-request child logger stashed by handler,
// falling back to the server-wide logger outside a request (e.g. tests).
func (s *Server) requestLogger(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(requestLoggerKey{}).(*log.Logger); ok {
		return l
	}
	return s.cfg.Logger
}

// isInternalReentry reports whether r arrived as a proxied forward whose
// authority targets this same server — recorded for visibility but
// excluded from verify/verifySequence.
func isInternalReentry(r *http.Request) bool {
	return r.Header.Get(mock.ForwardedFromHeader) != ""
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	if isDropOrReset(err) {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, hjErr := hj.Hijack(); hjErr == nil {
				conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func isDropOrReset(err error) bool {
	return err == dispatch.ErrDropConnection || err == dispatch.ErrResetConnection
}

func statusForDispatchError(err error) int {
	if isDropOrReset(err) {
		return 0
	}
	return http.StatusNotFound
}

func writeResponse(w http.ResponseWriter, resp mock.Response, suppressBody bool) {
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if suppressBody {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(status)
	if !suppressBody && len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

func buildFingerprint(r *http.Request) (mock.Fingerprint, error) {
	fp := mock.Fingerprint{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   mock.Values(r.URL.Query()),
		Headers: mock.Values(r.Header),
		Cookies: make(map[string]string),
	}
	for _, c := range r.Cookies() {
		fp.Cookies[c.Name] = c.Value
	}

	if r.Body != nil {
		defer r.Body.Close()
		body, err := readAll(r.Body)
		if err != nil {
			return fp, err
		}
		fp.Body = classifyBody(r.Header.Get("Content-Type"), body)
	}
	return fp, nil
}

func readAll(r interface{ Read([]byte) (int, error) }) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func classifyBody(contentType string, body []byte) mock.Body {
	if len(body) == 0 {
		return mock.Body{Tag: mock.BodyNone}
	}
	mediaType := mediaTypeOf(contentType)
	if mediaType == "application/json" {
		var decoded any
		if json.Unmarshal(body, &decoded) == nil {
			return mock.Body{Tag: mock.BodyJSON, JSON: decoded, Bytes: body}
		}
	}
	if mediaType == "application/x-www-form-urlencoded" {
		if values, err := url.ParseQuery(string(body)); err == nil {
			return mock.Body{Tag: mock.BodyParams, Params: map[string][]string(values), String: string(body), Bytes: body}
		}
	}
	if isTextContentType(mediaType) {
		return mock.Body{Tag: mock.BodyString, String: string(body), Bytes: body}
	}
	return mock.Body{Tag: mock.BodyBytes, Bytes: body}
}

// mediaTypeOf strips any ";charset=..." parameters from a Content-Type
// header, returning just the media type in lowercase.
func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		if i := strings.IndexByte(contentType, ';'); i >= 0 {
			contentType = contentType[:i]
		}
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}

// isTextContentType covers the body tags a matcher can register as
// STRING/XML/REGEX: any text/* type plus the common XML media types.
func isTextContentType(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/xml", "application/xhtml+xml":
		return true
	default:
		return false
	}
}

// Status is the JSON shape of PUT /status and PUT /bind responses.
type Status struct {
	Ports []int `json:"ports"`
}

func (s *Server) boundPorts() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ports := make([]int, 0, len(s.listeners))
	for p := range s.listeners {
		ports = append(ports, p)
	}
	return ports
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{Ports: s.boundPorts()})
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	var req Status
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.bindPorts(req.Ports); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, Status{Ports: s.boundPorts()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func portOf(addr net.Addr) int {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0
	}
	return tcp.Port
}
