// Package rpcbridge sits in the host process on top of a sandbox's
// Worker message port: it drives execute/cancelExecution and dispatches
// the sandbox's mcp.*() calls to a host-supplied RPC handler.
package rpcbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hyper-int/pml-gateway/internal/transport"
)

var (
	ErrExecutionTimeout = errors.New("rpcbridge: EXECUTION_TIMEOUT")
	ErrBridgeClosed     = errors.New("rpcbridge: BRIDGE_CLOSED")
)

// ExecError is a glue-code execution failure with the sandbox's own
// classification, plus CANCELLED/BRIDGE_CLOSED added at this layer.
type ExecError struct {
	Message string
	Code    string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("rpcbridge: %s: %s", e.Code, e.Message)
}

// PermissionDeniedError marks an RPC handler rejection the sandbox
// should see classified as PERMISSION_DENIED rather than a generic
// RPC_ERROR.
type PermissionDeniedError struct{ Message string }

func (e *PermissionDeniedError) Error() string { return e.Message }

// envelope mirrors the wire shape spoken over the Worker transport;
// kept independent of internal/sandbox's copy since the two sides
// never share Go types, only the JSON shape.
type envelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Code   json.RawMessage `json:"code,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
	RPCID  string          `json:"rpcId,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// RPCHandler resolves one mcp.<namespace>.<action>(args) call. The
// bridge wraps it with rpcTimeoutMs as ctx's deadline.
type RPCHandler func(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error)

type execReply struct {
	value json.RawMessage
	err   *ExecError
}

// Bridge is the host-side driver of one sandbox's Worker port.
type Bridge struct {
	port       transport.Transport
	handler    RPCHandler
	rpcTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan execReply
	closed  bool
	done    chan struct{}
}

// New starts dispatching frames from port. handler resolves mcp.*()
// calls; rpcTimeout bounds each one.
func New(port transport.Transport, handler RPCHandler, rpcTimeout time.Duration) *Bridge {
	b := &Bridge{
		port:       port,
		handler:    handler,
		rpcTimeout: rpcTimeout,
		pending:    make(map[string]chan execReply),
		done:       make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bridge) dispatch() {
	defer close(b.done)
	for frame := range b.port.Receive() {
		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}
		switch env.Type {
		case "result":
			b.resolveExec(env.ID, execReply{value: env.Value})
		case "error":
			var code string
			if len(env.Code) > 0 {
				json.Unmarshal(env.Code, &code)
			}
			b.resolveExec(env.ID, execReply{err: &ExecError{Message: env.Error, Code: code}})
		case "rpc":
			go b.handleRPC(env)
		}
	}

	b.mu.Lock()
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]chan execReply)
	b.mu.Unlock()
	for _, ch := range pending {
		ch <- execReply{err: &ExecError{Message: "bridge closed", Code: "BRIDGE_CLOSED"}}
	}
}

func (b *Bridge) resolveExec(id string, reply execReply) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if ok {
		ch <- reply
	}
}

// Execute sends the execute frame and blocks for a matching
// result/error, ctx cancellation, or timeout (-> EXECUTION_TIMEOUT).
// The Orchestrator, not the Bridge, is responsible for terminating the
// sandbox on timeout.
func (b *Bridge) Execute(ctx context.Context, id, code string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	ch := make(chan execReply, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	codeJSON, err := json.Marshal(code)
	if err != nil {
		b.forget(id)
		return nil, err
	}
	env := envelope{Type: "execute", ID: id, Code: codeJSON, Args: args}
	body, err := json.Marshal(env)
	if err != nil {
		b.forget(id)
		return nil, err
	}
	if err := b.port.Send(body); err != nil {
		b.forget(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.value, nil
	case <-timer.C:
		b.forget(id)
		return nil, ErrExecutionTimeout
	case <-ctx.Done():
		b.forget(id)
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrBridgeClosed
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// CancelExecution rejects the pending execute without notifying the
// sandbox — the caller (Orchestrator) is expected to terminate the
// sandbox separately.
func (b *Bridge) CancelExecution(id, reason string) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if ok {
		ch <- execReply{err: &ExecError{Message: reason, Code: "CANCELLED"}}
	}
}

func (b *Bridge) handleRPC(env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), b.rpcTimeout)
	defer cancel()

	result, err := b.handler(ctx, env.Method, env.Args)

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		// The execute this rpc belonged to already aborted; writing to
		// a dead port would be unsafe. Drop silently.
		return
	}

	var reply envelope
	if err != nil {
		code := "RPC_ERROR"
		var denied *PermissionDeniedError
		if errors.As(err, &denied) {
			code = "PERMISSION_DENIED"
		}
		codeJSON, _ := json.Marshal(code)
		reply = envelope{Type: "rpc_error", ID: env.RPCID, Error: err.Error(), Code: codeJSON}
	} else {
		reply = envelope{Type: "rpc_response", ID: env.RPCID, Result: result}
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = b.port.Send(body)
}

// Close rejects all pending executes with BRIDGE_CLOSED and closes the
// transport.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]chan execReply)
	b.mu.Unlock()
	for _, ch := range pending {
		ch <- execReply{err: &ExecError{Message: "bridge closed", Code: "BRIDGE_CLOSED"}}
	}
	return b.port.Close()
}
