package mcpclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hyper-int/pml-gateway/internal/rpc"
	"github.com/hyper-int/pml-gateway/internal/transport"
)

func TestCallResolvesOnMatchingResponse(t *testing.T) {
	client, server := transport.NewWorkerPair()
	defer client.Close()
	defer server.Close()

	m := New("fs", client)
	defer m.Close()

	go func() {
		frame := <-server.Receive()
		var req rpc.Request
		json.Unmarshal(frame, &req)
		resp, _ := rpc.ResultResponse(req.ID, map[string]string{"ok": "yes"})
		b, _ := json.Marshal(resp)
		server.Send(b)
	}()

	ctx := context.Background()
	result, err := m.Call(ctx, "tools/call", map[string]string{"name": "read_file"}, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded["ok"] != "yes" {
		t.Fatalf("unexpected result: %v", decoded)
	}
}

func TestCallTimesOutWithoutKillingTransport(t *testing.T) {
	client, server := transport.NewWorkerPair()
	defer client.Close()
	defer server.Close()

	m := New("slow", client)
	defer m.Close()

	ctx := context.Background()
	_, err := m.Call(ctx, "tools/call", nil, 50*time.Millisecond)
	if err != ErrRPCTimeout {
		t.Fatalf("expected ErrRPCTimeout, got %v", err)
	}

	// Transport must still be usable after a timeout.
	go func() {
		<-server.Receive() // the timed-out first request, never answered
		frame := <-server.Receive()
		var req rpc.Request
		json.Unmarshal(frame, &req)
		resp, _ := rpc.ResultResponse(req.ID, map[string]string{"ok": "still-alive"})
		b, _ := json.Marshal(resp)
		server.Send(b)
	}()
	result, err := m.Call(ctx, "tools/call", nil, time.Second)
	if err != nil {
		t.Fatalf("second Call after timeout: %v", err)
	}
	var decoded map[string]string
	json.Unmarshal(result, &decoded)
	if decoded["ok"] != "still-alive" {
		t.Fatalf("unexpected result after timeout recovery: %v", decoded)
	}
}

func TestRPCErrorPropagatesVerbatim(t *testing.T) {
	client, server := transport.NewWorkerPair()
	defer client.Close()
	defer server.Close()

	m := New("err", client)
	defer m.Close()

	go func() {
		frame := <-server.Receive()
		var req rpc.Request
		json.Unmarshal(frame, &req)
		resp := rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, "bad tool name")
		b, _ := json.Marshal(resp)
		server.Send(b)
	}()

	_, err := m.Call(context.Background(), "tools/call", nil, time.Second)
	var rpcErr *RPCError
	if err == nil {
		t.Fatal("expected RPCError")
	}
	if !asRPCError(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != rpc.CodeInvalidParams || rpcErr.Message != "bad tool name" {
		t.Fatalf("unexpected rpc error: %+v", rpcErr)
	}
}

func asRPCError(err error, target **RPCError) bool {
	if e, ok := err.(*RPCError); ok {
		*target = e
		return true
	}
	return false
}

func TestTransportClosedRejectsPendingCalls(t *testing.T) {
	client, server := transport.NewWorkerPair()
	defer client.Close()

	m := New("dies", client)
	defer m.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Call(context.Background(), "tools/call", nil, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	server.Close() // peer hangs up -> client's receive channel closes

	select {
	case err := <-errCh:
		if err != ErrTransportClosed {
			t.Fatalf("expected ErrTransportClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pending call to be rejected")
	}
}

func TestNotifyExpectsNoResponse(t *testing.T) {
	client, server := transport.NewWorkerPair()
	defer client.Close()
	defer server.Close()

	m := New("notif", client)
	defer m.Close()

	if err := m.Notify("notifications/initialized", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case frame := <-server.Receive():
		var req rpc.Request
		json.Unmarshal(frame, &req)
		if req.Method != "notifications/initialized" {
			t.Fatalf("unexpected method: %s", req.Method)
		}
		if req.ID != nil {
			t.Fatalf("expected no id on notification, got %v", req.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification frame")
	}
}
