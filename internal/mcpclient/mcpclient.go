// Package mcpclient implements one multiplexer per MCP server:
// request/response correlation by id, timeouts, and notifications.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hyper-int/pml-gateway/internal/rpc"
	"github.com/hyper-int/pml-gateway/internal/transport"
)

var (
	ErrRPCTimeout      = errors.New("mcpclient: RPC_TIMEOUT")
	ErrTransportClosed = errors.New("mcpclient: TRANSPORT_CLOSED")
	ErrServerDied      = errors.New("mcpclient: SERVER_DIED")
)

// RPCError wraps a peer-reported JSON-RPC error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcpclient: RPC_ERROR: %d %s", e.Code, e.Message)
}

type pendingCall struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// Multiplexer correlates JSON-RPC requests/responses over one
// Transport. One instance per MCP server.
type Multiplexer struct {
	server    string
	transport transport.Transport
	nextID    int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool

	breaker *gobreaker.CircuitBreaker

	done chan struct{}
}

// New wraps t for server name, starting the background dispatch loop
// that matches inbound frames to pending calls by id.
func New(server string, t transport.Transport) *Multiplexer {
	m := &Multiplexer{
		server:    server,
		transport: t,
		pending:   make(map[int64]*pendingCall),
		done:      make(chan struct{}),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mcpclient:" + server,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	go m.dispatch()
	return m
}

func (m *Multiplexer) dispatch() {
	defer close(m.done)
	for frame := range m.transport.Receive() {
		var resp rpc.Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		id, ok := numericID(resp.ID)
		if !ok {
			continue
		}
		m.mu.Lock()
		pc, ok := m.pending[id]
		if ok {
			delete(m.pending, id)
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		if resp.Error != nil {
			pc.errCh <- &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
			continue
		}
		pc.resultCh <- resp.Result
	}
	// Receive channel closed: transport died. Reject everything pending.
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = make(map[int64]*pendingCall)
	m.mu.Unlock()
	for _, pc := range pending {
		pc.errCh <- ErrTransportClosed
	}
}

func numericID(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// Call sends method/params and blocks until the matching response
// arrives, ctx is cancelled, or timeout elapses — whichever comes
// first. It never kills the underlying process on timeout; that
// remains the Supervisor's decision.
func (m *Multiplexer) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	result, err := m.breaker.Execute(func() (interface{}, error) {
		return m.callOnce(ctx, method, params, timeout)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrServerDied
		}
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (m *Multiplexer) callOnce(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrTransportClosed
	}
	id := atomic.AddInt64(&m.nextID, 1)
	pc := &pendingCall{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}
	m.pending[id] = pc
	m.mu.Unlock()

	req, err := rpc.NewRequest(float64(id), method, params)
	if err != nil {
		m.forget(id)
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		m.forget(id)
		return nil, err
	}
	if err := m.transport.Send(body); err != nil {
		m.forget(id)
		if errors.Is(err, transport.ErrClosed) {
			return nil, ErrTransportClosed
		}
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-pc.resultCh:
		return res, nil
	case err := <-pc.errCh:
		return nil, err
	case <-timer.C:
		m.forget(id)
		return nil, ErrRPCTimeout
	case <-ctx.Done():
		m.forget(id)
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrTransportClosed
	}
}

func (m *Multiplexer) forget(id int64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Notify sends method/params with no id; no response is awaited.
func (m *Multiplexer) Notify(method string, params interface{}) error {
	req, err := rpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	req.ID = nil
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return m.transport.Send(body)
}

// Close closes the underlying transport and rejects any pending calls.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = make(map[int64]*pendingCall)
	m.mu.Unlock()
	for _, pc := range pending {
		pc.errCh <- ErrTransportClosed
	}
	return m.transport.Close()
}
