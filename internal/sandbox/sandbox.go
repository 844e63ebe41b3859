// Package sandbox executes LLM-generated glue code with zero ambient
// authority: no filesystem, network, subprocess, or ambient environment
// access, only the structured message port shared with the RPC Bridge.
//
// Glue code runs as a Starlark program (go.starlark.net), which has no
// ambient builtins unless the host explicitly provides them.
package sandbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.starlark.net/starlark"
	starlarkjson "go.starlark.net/lib/json"

	"github.com/hyper-int/pml-gateway/internal/transport"
)

// State is the sandbox lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateExecuting  State = "executing"
	StateTerminated State = "terminated"
)

// Error codes a glue-code execution can fail with.
const (
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeCodeError        = "CODE_ERROR"
)

// envelope is the wire shape spoken over the Worker transport: a
// superset of every {type: ...} message the sandbox and RPC bridge
// exchange.
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

// deniedError marks an rpc_error reply the host tagged PERMISSION_DENIED,
// so a glue-code failure can be classified correctly at the top level.
type deniedError struct{ msg string }

func (e *deniedError) Error() string { return e.msg }

// Sandbox is one Starlark execution context, owning its end of a Worker
// transport pair. One execute request is in flight at a time; Starlark's
// single-threaded interpreter enforces this naturally.
type Sandbox struct {
	port transport.Transport

	mu       sync.Mutex
	state    State
	thread   *starlark.Thread
	nextRPC  int64
	pending  map[string]chan rpcReply
	execDone chan struct{}
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

// New creates a Sandbox communicating over port (the sandbox-side
// endpoint of a transport.NewWorkerPair()).
func New(port transport.Transport) *Sandbox {
	s := &Sandbox{
		port:    port,
		state:   StateIdle,
		pending: make(map[string]chan rpcReply),
	}
	go s.readLoop()
	return s
}

// State returns the sandbox's current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sandbox) readLoop() {
	for frame := range s.port.Receive() {
		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}
		switch env.Type {
		case "execute":
			go s.handleExecute(env)
		case "rpc_response":
			s.resolveRPC(env.ID, env.Result, nil)
		case "rpc_error":
			code := ""
			if len(env.Code) > 0 {
				json.Unmarshal(env.Code, &code)
			}
			var err error = fmt.Errorf("%s", env.Error)
			if code == CodePermissionDenied {
				err = &deniedError{msg: env.Error}
			}
			s.resolveRPC(env.ID, nil, err)
		case "terminate":
			s.terminate(env.ID)
		}
	}
}

func (s *Sandbox) resolveRPC(id string, result json.RawMessage, err error) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		ch <- rpcReply{result: result, err: err}
	}
}

func (s *Sandbox) handleExecute(env envelope) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateExecuting
	thread := &starlark.Thread{Name: "sandbox-" + env.ID}
	s.thread = thread
	s.mu.Unlock()

	value, errMsg, code := s.run(thread, env)

	s.mu.Lock()
	if s.state != StateTerminated {
		s.state = StateIdle
	}
	s.thread = nil
	s.mu.Unlock()

	var reply envelope
	if errMsg != "" {
		codeJSON, _ := json.Marshal(code)
		reply = envelope{Type: "error", ID: env.ID, Error: errMsg, Code: codeJSON}
	} else {
		reply = envelope{Type: "result", ID: env.ID, Value: value}
	}
	b, _ := json.Marshal(reply)
	s.port.Send(b)
}

func (s *Sandbox) run(thread *starlark.Thread, env envelope) (value json.RawMessage, errMsg, code string) {
	var src string
	if err := json.Unmarshal(env.Code, &src); err != nil {
		return nil, fmt.Sprintf("invalid glue code payload: %v", err), CodeCodeError
	}

	predeclared := starlark.StringDict{"mcp": &mcpRoot{sandbox: s}}
	globals, err := starlark.ExecFile(thread, "glue.star", src, predeclared)
	if err != nil {
		return nil, err.Error(), CodeCodeError
	}
	runFn, ok := globals["run"]
	if !ok {
		return nil, "glue code must define run(mcp, args)", CodeCodeError
	}
	callable, ok := runFn.(starlark.Callable)
	if !ok {
		return nil, "run is not callable", CodeCodeError
	}

	argsVal, err := goJSONToStarlark(thread, env.Args)
	if err != nil {
		return nil, err.Error(), CodeCodeError
	}

	result, err := starlark.Call(thread, callable, starlark.Tuple{predeclared["mcp"], argsVal}, nil)
	if err != nil {
		if denied, ok := asDeniedError(err); ok {
			return nil, denied.Error(), CodePermissionDenied
		}
		return nil, err.Error(), CodeCodeError
	}

	out, err := starlarkToGoJSON(thread, result)
	if err != nil {
		return nil, err.Error(), CodeCodeError
	}
	return out, "", ""
}

func asDeniedError(err error) (*deniedError, bool) {
	if ee, ok := err.(*starlark.EvalError); ok {
		if d, ok := ee.Unwrap().(*deniedError); ok {
			return d, true
		}
	}
	if d, ok := err.(*deniedError); ok {
		return d, true
	}
	return nil, false
}

// Terminate force-ends the named execution: a host-forced timeout.
// The thread's cancellation is checked cooperatively
// between Starlark steps; it does not preempt a goroutine already
// blocked on an RPC reply, so pending RPCs are also unblocked directly.
func (s *Sandbox) terminate(id string) {
	s.mu.Lock()
	s.state = StateTerminated
	thread := s.thread
	pending := s.pending
	s.pending = make(map[string]chan rpcReply)
	s.mu.Unlock()

	if thread != nil {
		thread.Cancel("sandbox terminated by host")
	}
	for _, ch := range pending {
		ch <- rpcReply{err: fmt.Errorf("sandbox terminated")}
	}
}

// Terminate is the host-facing entry point (mirrors the internal
// "terminate" envelope so callers embedding a Sandbox directly, without
// going through the transport, can still force-stop it).
func (s *Sandbox) Terminate() {
	s.terminate("")
}

// callRPC sends an "rpc" frame for method/args and blocks for the
// matching rpc_response/rpc_error.
func (s *Sandbox) callRPC(method string, args json.RawMessage) (json.RawMessage, error) {
	id := fmt.Sprintf("%d", atomic.AddInt64(&s.nextRPC, 1))
	ch := make(chan rpcReply, 1)

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox terminated")
	}
	s.pending[id] = ch
	s.mu.Unlock()

	req := envelope{Type: "rpc", RPCID: id, Method: method, Args: args}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := s.port.Send(b); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	reply := <-ch
	return reply.result, reply.err
}

func goJSONToStarlark(thread *starlark.Thread, raw json.RawMessage) (starlark.Value, error) {
	if len(raw) == 0 {
		return starlark.None, nil
	}
	decode, ok := starlarkjson.Module.Members["decode"].(*starlark.Builtin)
	if !ok {
		return nil, fmt.Errorf("sandbox: json.decode unavailable")
	}
	return starlark.Call(thread, decode, starlark.Tuple{starlark.String(raw)}, nil)
}

func starlarkToGoJSON(thread *starlark.Thread, v starlark.Value) (json.RawMessage, error) {
	encode, ok := starlarkjson.Module.Members["encode"].(*starlark.Builtin)
	if !ok {
		return nil, fmt.Errorf("sandbox: json.encode unavailable")
	}
	result, err := starlark.Call(thread, encode, starlark.Tuple{v}, nil)
	if err != nil {
		return nil, err
	}
	s, ok := starlark.AsString(result)
	if !ok {
		return nil, fmt.Errorf("sandbox: json.encode did not return a string")
	}
	return json.RawMessage(s), nil
}
