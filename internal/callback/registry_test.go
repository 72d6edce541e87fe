package callback_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgebell/mockserve/internal/callback"
)

func TestRegistry_LookupUnknownClient(t *testing.T) {
	reg := callback.NewRegistry()
	if _, err := reg.Lookup("nope"); err != callback.ErrClientNotFound {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

// newHandshakeServer runs a real WebSocket handshake against reg, returning
// the server and the assigned client_id.
func newHandshakeServer(t *testing.T, reg *callback.Registry) (*httptest.Server, string) {
	t.Helper()
	var clientID string
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.Handshake(w, r)
		close(done)
	}))
	t.Cleanup(func() {
		srv.Close()
		<-done
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	clientID = resp.Header.Get("X-CLIENT-REGISTRATION-ID")
	if clientID == "" {
		t.Fatal("expected X-CLIENT-REGISTRATION-ID header on handshake response")
	}

	t.Cleanup(func() { conn.Close() })

	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			var frame callback.Frame
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			reply := callback.Frame{
				Type:          callback.FrameResponse,
				CorrelationID: frame.CorrelationID,
				Payload:       json.RawMessage(`{"statusCode":200}`),
			}
			out, _ := json.Marshal(reply)
			conn.WriteMessage(websocket.TextMessage, out)
		}
	}()

	return srv, clientID
}

func TestRegistry_SendAndWaitRoundTrip(t *testing.T) {
	reg := callback.NewRegistry()
	_, clientID := newHandshakeServer(t, reg)

	// Give the read pump a moment to register before looking the client up.
	var registration *callback.Registration
	for i := 0; i < 50; i++ {
		r, err := reg.Lookup(clientID)
		if err == nil {
			registration = r
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if registration == nil {
		t.Fatal("client never registered")
	}

	sink, correlationID, err := registration.Send(callback.FrameRequest, json.RawMessage(`{"method":"GET"}`))
	if err != nil {
		t.Fatal(err)
	}
	data, err := registration.Wait(sink, correlationID, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"statusCode":200}` {
		t.Errorf("got %s, want the echoed response payload", data)
	}
}

func TestRegistry_BroadcastFailsPendingSinks(t *testing.T) {
	reg := callback.NewRegistry()
	_, clientID := newHandshakeServer(t, reg)

	var registration *callback.Registration
	for i := 0; i < 50; i++ {
		r, err := reg.Lookup(clientID)
		if err == nil {
			registration = r
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if registration == nil {
		t.Fatal("client never registered")
	}

	reg.Broadcast()

	if _, err := reg.Lookup(clientID); err != callback.ErrClientNotFound {
		t.Errorf("expected client removed after Broadcast, got err=%v", err)
	}
}
