package sandbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hyper-int/pml-gateway/internal/transport"
)

// bridgeStub stands in for the RPC Bridge side of the Worker transport:
// it answers every "rpc" frame with a canned rpc_response/rpc_error.
type bridgeStub struct {
	port    transport.Transport
	handler func(method string, args json.RawMessage) (json.RawMessage, string, error)
	stopCh  chan struct{}
}

func newBridgeStub(port transport.Transport, handler func(string, json.RawMessage) (json.RawMessage, string, error)) *bridgeStub {
	b := &bridgeStub{port: port, handler: handler, stopCh: make(chan struct{})}
	go b.loop()
	return b
}

func (b *bridgeStub) loop() {
	for {
		select {
		case frame, ok := <-b.port.Receive():
			if !ok {
				return
			}
			var env envelope
			json.Unmarshal(frame, &env)
			if env.Type != "rpc" {
				continue
			}
			result, code, err := b.handler(env.Method, env.Args)
			var reply envelope
			if err != nil {
				codeJSON, _ := json.Marshal(code)
				reply = envelope{Type: "rpc_error", ID: env.RPCID, Error: err.Error(), Code: codeJSON}
			} else {
				reply = envelope{Type: "rpc_response", ID: env.RPCID, Result: result}
			}
			replyBytes, _ := json.Marshal(reply)
			b.port.Send(replyBytes)
		case <-b.stopCh:
			return
		}
	}
}

func sendExecute(port transport.Transport, id, code string, args string) {
	env := envelope{Type: "execute", ID: id, Code: json.RawMessage(jsonString(code)), Args: json.RawMessage(args)}
	b, _ := json.Marshal(env)
	port.Send(b)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestExecuteSimpleGlueCodeReturnsValue(t *testing.T) {
	sandboxPort, bridgePort := transport.NewWorkerPair()
	defer sandboxPort.Close()
	defer bridgePort.Close()

	s := New(sandboxPort)
	code := "def run(mcp, args):\n    return {\"doubled\": args[\"n\"] * 2}\n"
	sendExecute(bridgePort, "exec-1", code, `{"n": 21}`)

	select {
	case frame := <-bridgePort.Receive():
		var env envelope
		json.Unmarshal(frame, &env)
		if env.Type != "result" {
			t.Fatalf("expected result, got %+v", env)
		}
		var v map[string]int
		json.Unmarshal(env.Value, &v)
		if v["doubled"] != 42 {
			t.Fatalf("unexpected value: %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after success, got %s", s.State())
	}
}

func TestExecuteInterceptsMcpCall(t *testing.T) {
	sandboxPort, bridgePort := transport.NewWorkerPair()
	defer sandboxPort.Close()
	defer bridgePort.Close()

	s := New(sandboxPort)
	newBridgeStub(bridgePort, func(method string, args json.RawMessage) (json.RawMessage, string, error) {
		if method != "fs:read_file" {
			t.Errorf("unexpected method: %s", method)
		}
		return json.RawMessage(`{"content": "hello"}`), "", nil
	})

	code := "def run(mcp, args):\n    r = mcp.fs.read_file({\"path\": \"/tmp/x\"})\n    return {\"content\": r[\"content\"]}\n"
	sendExecute(bridgePort, "exec-2", code, `{}`)

	select {
	case frame := <-bridgePort.Receive():
		var env envelope
		json.Unmarshal(frame, &env)
		if env.Type != "result" {
			t.Fatalf("expected result, got %+v", env)
		}
		var v map[string]string
		json.Unmarshal(env.Value, &v)
		if v["content"] != "hello" {
			t.Fatalf("unexpected value: %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestExecuteCodeErrorReportsCodeErrorCode(t *testing.T) {
	sandboxPort, bridgePort := transport.NewWorkerPair()
	defer sandboxPort.Close()
	defer bridgePort.Close()

	New(sandboxPort)
	code := "def run(mcp, args):\n    return 1 / 0\n"
	sendExecute(bridgePort, "exec-3", code, `{}`)

	select {
	case frame := <-bridgePort.Receive():
		var env envelope
		json.Unmarshal(frame, &env)
		if env.Type != "error" {
			t.Fatalf("expected error, got %+v", env)
		}
		var code string
		json.Unmarshal(env.Code, &code)
		if code != CodeCodeError {
			t.Fatalf("expected CODE_ERROR, got %s", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestExecuteDeniedRPCReportsPermissionDenied(t *testing.T) {
	sandboxPort, bridgePort := transport.NewWorkerPair()
	defer sandboxPort.Close()
	defer bridgePort.Close()

	New(sandboxPort)
	newBridgeStub(bridgePort, func(method string, args json.RawMessage) (json.RawMessage, string, error) {
		return nil, CodePermissionDenied, &deniedError{msg: "denied by policy"}
	})

	code := "def run(mcp, args):\n    return mcp.fs.delete_file({\"path\": \"/etc/passwd\"})\n"
	sendExecute(bridgePort, "exec-4", code, `{}`)

	select {
	case frame := <-bridgePort.Receive():
		var env envelope
		json.Unmarshal(frame, &env)
		if env.Type != "error" {
			t.Fatalf("expected error, got %+v", env)
		}
		var code string
		json.Unmarshal(env.Code, &code)
		if code != CodePermissionDenied {
			t.Fatalf("expected PERMISSION_DENIED, got %s", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}
