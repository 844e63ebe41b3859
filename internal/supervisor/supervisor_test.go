package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hyper-int/pml-gateway/internal/config"
	"github.com/hyper-int/pml-gateway/internal/rpc"
)

// fakeMCPServerScript is a tiny python-free shell fake: it reads one
// line (the initialize request), replies with a minimal initialize
// result, reads the notifications/initialized line without answering
// it, then echoes every subsequent line back verbatim. This gives
// GetOrSpawn a real child process to complete the handshake against
// without depending on any actual MCP server binary being installed.
const fakeMCPServerScript = `
read line
echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05"}}'
read line
while IFS= read -r line; do
  echo "$line"
done
`

func TestGetOrSpawnReturnsSameProcessOnSecondCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New()
	defer s.ShutdownAll()

	rec := config.ServerRecord{Name: "fake", Transport: config.TransportStdio, Command: "sh", Args: []string{"-c", fakeMCPServerScript}}

	p1, err := s.GetOrSpawn(ctx, rec)
	if err != nil {
		t.Fatalf("GetOrSpawn: %v", err)
	}
	p2, err := s.GetOrSpawn(ctx, rec)
	if err != nil {
		t.Fatalf("second GetOrSpawn: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected GetOrSpawn to return the same process for a live server")
	}
}

func TestGetOrSpawnFailsOnMissingEnv(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := New()
	defer s.ShutdownAll()

	rec := config.ServerRecord{
		Name:      "needs-env",
		Transport: config.TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", "cat"},
		Env:       map[string]string{"TOKEN": "${PML_SUPERVISOR_TEST_UNSET_VAR}"},
	}
	if _, err := s.GetOrSpawn(ctx, rec); err == nil {
		t.Fatal("expected MISSING_ENV error")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New()
	rec := config.ServerRecord{Name: "fake2", Transport: config.TransportStdio, Command: "sh", Args: []string{"-c", fakeMCPServerScript}}
	if _, err := s.GetOrSpawn(ctx, rec); err != nil {
		t.Fatalf("GetOrSpawn: %v", err)
	}

	s.Shutdown("fake2")
	s.Shutdown("fake2") // must not panic or block
	s.Shutdown("does-not-exist")
}

func TestEchoedFrameRoundTripsAfterInit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New()
	defer s.ShutdownAll()

	rec := config.ServerRecord{Name: "fake3", Transport: config.TransportStdio, Command: "sh", Args: []string{"-c", fakeMCPServerScript}}
	proc, err := s.GetOrSpawn(ctx, rec)
	if err != nil {
		t.Fatalf("GetOrSpawn: %v", err)
	}

	req, _ := rpc.NewRequest(float64(2), "ping", nil)
	b, _ := json.Marshal(req)
	if err := proc.Transport.Send(b); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case frame, ok := <-proc.Transport.Receive():
		if !ok {
			t.Fatal("transport closed unexpectedly")
		}
		var got rpc.Request
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatalf("unmarshal echoed frame: %v", err)
		}
		if got.Method != "ping" {
			t.Fatalf("expected echoed ping, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}
