package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/forgebell/mockserve/internal/server"
)

func startTestServer(t *testing.T) (string, func()) {
	t.Helper()
	srv := server.New(server.Config{ListenIP: "127.0.0.1"})
	ports, err := srv.Start(context.Background(), []int{0})
	if err != nil {
		t.Fatal(err)
	}
	base := "http://127.0.0.1:" + strconv.Itoa(ports[0])
	return base, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
}

func putJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestServer_CORSPreflightOnManagementPath(t *testing.T) {
	base, stop := startTestServer(t)
	defer stop()

	req, err := http.NewRequest(http.MethodOptions, base+"/mockserver/expectation", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for OPTIONS preflight, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing Access-Control-Allow-Origin header")
	}
}

func TestServer_NotFoundIncludesNearMissHeader(t *testing.T) {
	base, stop := startTestServer(t)
	defer stop()

	resp := putJSON(t, base+"/mockserver/expectation", map[string]any{
		"matcher": map[string]any{
			"method": map[string]any{"pattern": "GET"},
			"path":   map[string]any{"pattern": "/hello"},
			"headers": map[string]any{
				"X-Token": map[string]any{"pattern": "secret"},
			},
		},
		"action": map[string]any{
			"kind":    "RESPOND",
			"respond": map[string]any{"statusCode": 200},
		},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 registering expectation, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/hello", nil)
	req.Header.Set("X-Token", "wrong")
	got, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer got.Body.Close()

	if got.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", got.StatusCode)
	}
	if got.Header.Get("X-Mock-Near-Misses") == "" {
		t.Error("expected X-Mock-Near-Misses header naming the close-but-not-matching expectation")
	}
}

func TestServer_HeadFallsBackToGETExpectation(t *testing.T) {
	base, stop := startTestServer(t)
	defer stop()

	resp := putJSON(t, base+"/mockserver/expectation", map[string]any{
		"matcher": map[string]any{
			"method": map[string]any{"pattern": "GET"},
			"path":   map[string]any{"pattern": "/resource"},
		},
		"action": map[string]any{
			"kind":    "RESPOND",
			"respond": map[string]any{"statusCode": 200, "body": "body-for-get"},
		},
	})
	resp.Body.Close()

	head, err := http.Head(base + "/resource")
	if err != nil {
		t.Fatal(err)
	}
	defer head.Body.Close()
	if head.StatusCode != http.StatusOK {
		t.Errorf("expected HEAD to fall back to the GET expectation and return 200, got %d", head.StatusCode)
	}
}

func TestServer_ForwardLoopbackIsExcludedFromVerify(t *testing.T) {
	base, stop := startTestServer(t)
	defer stop()

	port, err := strconv.Atoi(strings.TrimPrefix(base, "http://127.0.0.1:"))
	if err != nil {
		t.Fatal(err)
	}

	// /origin responds literally; /gateway forwards into this same server's
	// /origin path, so the request /gateway's action produces on the way in
	// carries the forwarded-from marker and must not count toward verify.
	resp := putJSON(t, base+"/mockserver/expectation", map[string]any{
		"matcher": map[string]any{
			"method": map[string]any{"pattern": "GET"},
			"path":   map[string]any{"pattern": "/origin"},
		},
		"action": map[string]any{
			"kind":    "RESPOND",
			"respond": map[string]any{"statusCode": 200, "body": "origin"},
		},
	})
	resp.Body.Close()

	resp = putJSON(t, base+"/mockserver/expectation", map[string]any{
		"matcher": map[string]any{
			"method": map[string]any{"pattern": "GET"},
			"path":   map[string]any{"pattern": "/gateway"},
		},
		"action": map[string]any{
			"kind": "OVERRIDE_FORWARD",
			"forward": map[string]any{
				"scheme": "http",
				"host":   "127.0.0.1",
				"port":   port,
			},
			"overrideForward": map[string]any{
				"path": "/origin",
			},
		},
	})
	resp.Body.Close()

	got, err := http.Get(base + "/gateway")
	if err != nil {
		t.Fatal(err)
	}
	got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("expected the forwarded call to resolve to 200, got %d", got.StatusCode)
	}

	verify := putJSON(t, base+"/mockserver/verify", map[string]any{
		"request": map[string]any{
			"path": map[string]any{"pattern": "/origin"},
		},
		"times": map[string]any{"atLeast": 1},
	})
	defer verify.Body.Close()
	if verify.StatusCode == http.StatusAccepted {
		t.Error("expected verify to fail: the /origin hit was an internal forward loopback, not a genuine inbound call")
	}
}

func postRaw(t *testing.T, url, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestServer_StringBodyMatcherMatchesPlainTextRequest(t *testing.T) {
	base, stop := startTestServer(t)
	defer stop()

	resp := putJSON(t, base+"/mockserver/expectation", map[string]any{
		"matcher": map[string]any{
			"method": map[string]any{"pattern": "POST"},
			"path":   map[string]any{"pattern": "/echo"},
			"body":   map[string]any{"tag": "STRING", "string": "hello there"},
		},
		"action": map[string]any{
			"kind":    "RESPOND",
			"respond": map[string]any{"statusCode": 200},
		},
	})
	resp.Body.Close()

	got := postRaw(t, base+"/echo", "text/plain", []byte("hello there"))
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Errorf("expected a text/plain body to satisfy a STRING body matcher, got %d", got.StatusCode)
	}
}

func TestServer_ParamsBodyMatcherMatchesFormRequest(t *testing.T) {
	base, stop := startTestServer(t)
	defer stop()

	resp := putJSON(t, base+"/mockserver/expectation", map[string]any{
		"matcher": map[string]any{
			"method": map[string]any{"pattern": "POST"},
			"path":   map[string]any{"pattern": "/submit"},
			"body": map[string]any{
				"tag":    "PARAMETERS",
				"params": map[string][]string{"name": {"ada"}},
			},
		},
		"action": map[string]any{
			"kind":    "RESPOND",
			"respond": map[string]any{"statusCode": 200},
		},
	})
	resp.Body.Close()

	got := postRaw(t, base+"/submit", "application/x-www-form-urlencoded", []byte("name=ada&lang=go"))
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Errorf("expected a form-encoded body to satisfy a PARAMETERS body matcher, got %d", got.StatusCode)
	}
}

func TestServer_XMLBodyMatcherMatchesXMLRequest(t *testing.T) {
	base, stop := startTestServer(t)
	defer stop()

	resp := putJSON(t, base+"/mockserver/expectation", map[string]any{
		"matcher": map[string]any{
			"method": map[string]any{"pattern": "POST"},
			"path":   map[string]any{"pattern": "/xml"},
			"body":   map[string]any{"tag": "XML", "string": "<ping/>"},
		},
		"action": map[string]any{
			"kind":    "RESPOND",
			"respond": map[string]any{"statusCode": 200},
		},
	})
	resp.Body.Close()

	got := postRaw(t, base+"/xml", "application/xml", []byte("<ping/>"))
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Errorf("expected an application/xml body to satisfy an XML body matcher, got %d", got.StatusCode)
	}
}

func TestServer_VerifySucceedsAfterDispatch(t *testing.T) {
	base, stop := startTestServer(t)
	defer stop()

	resp := putJSON(t, base+"/mockserver/expectation", map[string]any{
		"matcher": map[string]any{
			"method": map[string]any{"pattern": "GET"},
			"path":   map[string]any{"pattern": "/ping"},
		},
		"action": map[string]any{
			"kind":    "RESPOND",
			"respond": map[string]any{"statusCode": 200},
		},
	})
	resp.Body.Close()

	got, err := http.Get(base + "/ping")
	if err != nil {
		t.Fatal(err)
	}
	got.Body.Close()

	verify := putJSON(t, base+"/mockserver/verify", map[string]any{
		"request": map[string]any{
			"path": map[string]any{"pattern": "/ping"},
		},
		"times": map[string]any{"atLeast": 1},
	})
	defer verify.Body.Close()
	if verify.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202 from verify, got %d", verify.StatusCode)
	}
}
