package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/hyper-int/pml-gateway/internal/config"
	"github.com/hyper-int/pml-gateway/internal/gateway"
)

func testGatewayNoServers(t *testing.T) *gateway.Gateway {
	t.Helper()
	traceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(traceServer.Close)

	cfg := &config.File{
		Workspace: "acme",
		CloudURL:  traceServer.URL,
		Servers:   map[string]config.ServerRecord{},
	}
	return gateway.New(cfg, t.TempDir())
}

func TestHandleHTTPFrameToolsList(t *testing.T) {
	g := testGatewayNoServers(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	w := httptest.NewRecorder()

	handleHTTPFrame(context.Background(), g, func() {}, w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	found := false
	for _, tl := range resp.Result.Tools {
		if tl.Name == "pml:execute" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected pml:execute in tools/list, got %+v", resp.Result.Tools)
	}
}

func TestHandleHTTPFrameReturnsNoContentForNotification(t *testing.T) {
	g := testGatewayNoServers(t)

	body := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	w := httptest.NewRecorder()

	handleHTTPFrame(context.Background(), g, func() {}, w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for a notification, got %d", w.Code)
	}
}

func TestRunReturnsConfigErrorExitCodeForMissingConfig(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"gateway", "serve", "--config", "/nonexistent/pml.config.json"}

	if code := run(); code != 1 {
		t.Fatalf("expected exit code 1 for a missing config file, got %d", code)
	}
}

func TestRunReturnsUsageErrorWithoutServeSubcommand(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"gateway"}

	if code := run(); code != 1 {
		t.Fatalf("expected exit code 1 with no subcommand, got %d", code)
	}
}
