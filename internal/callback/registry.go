// Package callback implements the Callback Channel Registry:
// persistent bidirectional WebSocket channels to remote callback clients,
// and the correlation of asynchronous responses with pending requests.
//
// The WebSocket wire codec itself is treated as an external collaborator
// ("the HTTP/1.1 and WebSocket wire codecs ... assumed
// provided by a networking library") — here that library is
// github.com/gorilla/websocket.
package callback

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Errors surfaced to the action dispatcher.
var (
	ErrClientNotFound    = errors.New("callback: client not registered")
	ErrChannelBackedUp   = errors.New("callback: send queue full")
	ErrTimeout           = errors.New("callback: response timeout")
	ErrChannelClosed     = errors.New("callback: channel closed")
)

// FrameType identifies the shape of a frame in the callback wire protocol.
type FrameType string

const (
	FrameRequest        FrameType = "request"
	FrameForwardRequest FrameType = "forward_request"
	FrameResponse       FrameType = "response"
	FrameError          FrameType = "error"
)

// Frame is the JSON envelope exchanged over the callback channel.
type Frame struct {
	Type          FrameType       `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Request       json.RawMessage `json:"request,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// sendQueueSize bounds each registration's outbound queue; a full queue
// means the callback client is unresponsive and is treated as unavailable.
const sendQueueSize = 64

// Registration is a single client's persistent callback channel.
type Registration struct {
	ClientID  string
	CreatedAt time.Time

	conn    *websocket.Conn
	outbox  chan []byte
	closeCh chan struct{}
	once    sync.Once

	mu      sync.Mutex
	pending map[string]*Sink
}

// Registry holds every live callback registration, keyed by client_id.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Registration)}
}

// Upgrader is shared across handshakes; origin checking is left permissive
// since the callback channel is a loopback/management-plane concern, not a
// browser-facing surface.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handshake upgrades r to a WebSocket connection, assigns a fresh client_id,
// responds with X-CLIENT-REGISTRATION-ID on the 101, registers
// it, and starts the read pump. It blocks until the connection closes.
func (reg *Registry) Handshake(w http.ResponseWriter, r *http.Request) error {
	clientID := uuid.NewString()
	header := http.Header{}
	header.Set("X-CLIENT-REGISTRATION-ID", clientID)

	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		return err
	}

	registration := &Registration{
		ClientID:  clientID,
		CreatedAt: time.Now(),
		conn:      conn,
		outbox:    make(chan []byte, sendQueueSize),
		closeCh:   make(chan struct{}),
		pending:   make(map[string]*Sink),
	}

	reg.mu.Lock()
	reg.byID[clientID] = registration
	reg.mu.Unlock()

	defer reg.remove(clientID)

	go registration.writePump()
	registration.readPump()
	return nil
}

// remove unregisters a client and fails every pending sink with
// ErrChannelClosed.
func (reg *Registry) remove(clientID string) {
	reg.mu.Lock()
	r, ok := reg.byID[clientID]
	delete(reg.byID, clientID)
	reg.mu.Unlock()
	if ok {
		r.shutdown()
	}
}

// Lookup returns the registration for clientID, or ErrClientNotFound.
func (reg *Registry) Lookup(clientID string) (*Registration, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.byID[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return r, nil
}

// Broadcast closes every registration — used on a global reset and when the
// server stops, both of which tear down every live callback channel.
func (reg *Registry) Broadcast() {
	reg.mu.Lock()
	all := make([]*Registration, 0, len(reg.byID))
	for _, r := range reg.byID {
		all = append(all, r)
	}
	reg.byID = make(map[string]*Registration)
	reg.mu.Unlock()

	for _, r := range all {
		r.shutdown()
	}
}

func (r *Registration) shutdown() {
	r.once.Do(func() {
		close(r.closeCh)
		_ = r.conn.Close()
	})
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*Sink)
	r.mu.Unlock()
	for _, sink := range pending {
		sink.Complete(nil, ErrChannelClosed)
	}
}

// Send enqueues a request/forward_request frame and installs a one-shot
// sink keyed by a fresh correlation_id. If the send queue is full, the
// callback is treated as unavailable.
func (r *Registration) Send(frameType FrameType, request json.RawMessage) (*Sink, string, error) {
	correlationID := uuid.NewString()
	frame := Frame{Type: frameType, CorrelationID: correlationID, Request: request}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, "", err
	}

	sink := NewSink()
	r.mu.Lock()
	r.pending[correlationID] = sink
	r.mu.Unlock()

	select {
	case r.outbox <- data:
		return sink, correlationID, nil
	default:
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
		return nil, "", ErrChannelBackedUp
	}
}

// Wait blocks on sink up to timeout, removing it from the pending map
// regardless of outcome.
func (r *Registration) Wait(sink *Sink, correlationID string, timeout time.Duration) ([]byte, error) {
	defer func() {
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sink.Done():
		return sink.Result()
	case <-timer.C:
		return nil, ErrTimeout
	case <-r.closeCh:
		return nil, ErrChannelClosed
	}
}

func (r *Registration) writePump() {
	const pingPeriod = 30 * time.Second
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-r.outbox:
			if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.closeCh:
			_ = r.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (r *Registration) readPump() {
	// gorilla/websocket replies to Ping automatically via the default
	// PingHandler; we only need to react to client-sent data frames and the
	// Close frame.
	for {
		msgType, data, err := r.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		r.dispatch(frame)
	}
}

func (r *Registration) dispatch(frame Frame) {
	r.mu.Lock()
	sink, ok := r.pending[frame.CorrelationID]
	r.mu.Unlock()
	if !ok {
		return
	}
	switch frame.Type {
	case FrameError:
		sink.Complete(nil, errors.New(string(frame.Payload)))
	default:
		sink.Complete(frame.Payload, nil)
	}
}
