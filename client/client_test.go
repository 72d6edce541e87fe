package client_test

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/forgebell/mockserve/client"
	"github.com/forgebell/mockserve/internal/server"
)

func startServer(t *testing.T) (*client.Client, func()) {
	t.Helper()
	srv := server.New(server.Config{ListenIP: "127.0.0.1"})
	ports, err := srv.Start(context.Background(), []int{0})
	if err != nil {
		t.Fatal(err)
	}
	baseURL := "http://127.0.0.1:" + strconv.Itoa(ports[0])
	c := client.New(baseURL)
	return c, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
}

func TestClient_ExpectationThenDispatch(t *testing.T) {
	c, stop := startServer(t)
	defer stop()

	ids, err := c.Expectation(map[string]any{
		"matcher": map[string]any{
			"method": map[string]any{"pattern": "GET"},
			"path":   map[string]any{"pattern": "/hello"},
		},
		"action": map[string]any{
			"kind": "RESPOND",
			"respond": map[string]any{
				"statusCode": 200,
				"body":       "hi",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one assigned id, got %d", len(ids))
	}

	resp, err := http.Get(c.BaseURL + "/hello")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestClient_VerifyFailsWithReport(t *testing.T) {
	c, stop := startServer(t)
	defer stop()

	err := c.Verify(map[string]any{
		"method": map[string]any{"pattern": "GET"},
		"path":   map[string]any{"pattern": "/never-called"},
	}, 1, 0)
	if err == nil {
		t.Fatal("expected verify to fail for a request never sent")
	}
	verr, ok := err.(*client.VerifyError)
	if !ok {
		t.Fatalf("expected *client.VerifyError, got %T", err)
	}
	if verr.Report == "" {
		t.Error("expected a non-empty mismatch report")
	}
}

func TestClient_ResetClearsExpectations(t *testing.T) {
	c, stop := startServer(t)
	defer stop()

	if _, err := c.Expectation(map[string]any{
		"matcher": map[string]any{
			"method": map[string]any{"pattern": "GET"},
			"path":   map[string]any{"pattern": "/x"},
		},
		"action": map[string]any{
			"kind":    "RESPOND",
			"respond": map[string]any{"statusCode": 200},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Reset(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(c.BaseURL + "/x")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after reset, got %d", resp.StatusCode)
	}
}
