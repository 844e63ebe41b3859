// Package orchestrator combines the sandbox runtime and RPC bridge with
// the router into one pml:execute call: it wires the bridge's RPC
// handler to routing, records every tool call, collects UI resources,
// and enforces the per-execution timeout.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyper-int/pml-gateway/internal/router"
	"github.com/hyper-int/pml-gateway/internal/rpcbridge"
	"github.com/hyper-int/pml-gateway/internal/sandbox"
	"github.com/hyper-int/pml-gateway/internal/transport"
)

// Error codes an ExecutionResult's failure is classified into, plus
// CodeNoClientHandler, which tags only the rejected mcp.*() call itself;
// the execution as a whole then fails with CODE_ERROR.
const (
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeCodeError        = "CODE_ERROR"
	CodeWorkerTerminated = "WORKER_TERMINATED"
	CodeExecutionTimeout = "EXECUTION_TIMEOUT"
	CodeNoClientHandler  = "NO_CLIENT_HANDLER"
)

var ErrNoClientHandler = errors.New("orchestrator: tool routes to client but no handler was provided")

// DefaultExecutionTimeout bounds a single pml:execute call.
const DefaultExecutionTimeout = 5 * time.Minute

// DefaultRPCTimeout bounds each mcp.*() call the glue code issues.
const DefaultRPCTimeout = 30 * time.Second

// ToolCallRecord is one mcp.<namespace>.<action>(args) call the glue
// code made, recorded regardless of success.
type ToolCallRecord struct {
	ToolFqdn   string          `json:"toolFqdn"`
	Method     string          `json:"method"`
	Args       json.RawMessage `json:"args"`
	StartedAt  time.Time       `json:"startedAt"`
	DurationMs int64           `json:"durationMs"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
}

// CollectedUiResource is gathered whenever a routed call's result carries
// a `_meta.ui.resourceUri`.
type CollectedUiResource struct {
	Slot        int                    `json:"slot"`
	ToolFqdn    string                 `json:"toolFqdn"`
	ResourceURI string                 `json:"resourceUri"`
	MimeType    string                 `json:"mimeType,omitempty"`
	Args        map[string]interface{} `json:"args"`
}

// ExecutionError classifies a failed execution.
type ExecutionError struct {
	Code    string
	Message string
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// ExecutionResult is execute's return value.
type ExecutionResult struct {
	Success         bool
	Value           json.RawMessage
	DurationMs      int64
	ToolsCalled     int
	ToolCallRecords []ToolCallRecord
	TraceID         string
	CollectedUi     []CollectedUiResource
	Context         map[string]interface{}
	Err             *ExecutionError
}

// Options configures one execute call.
type Options struct {
	// Context is merged with `args` in the glue code's run(mcp, args)
	// entrypoint and accumulates `_args` from every UI-producing call.
	Context map[string]interface{}
	// ClientToolHandler answers client-routed calls; required if any
	// call the glue code makes resolves to Client.
	ClientToolHandler router.ClientHandler
	// WorkflowID, if set, is an HIL-continuation trace id to reuse
	// instead of minting a fresh one.
	WorkflowID string
	// FqdnMap resolves a shorthand "namespace:action" the glue code used
	// to its canonical FQDN for trace records.
	FqdnMap map[string]string
}

// Orchestrator executes glue code against one Router.
type Orchestrator struct {
	router           *router.Router
	executionTimeout time.Duration
	rpcTimeout       time.Duration
}

// New builds an Orchestrator. Zero timeouts fall back to the package
// defaults.
func New(r *router.Router, executionTimeout, rpcTimeout time.Duration) *Orchestrator {
	if executionTimeout <= 0 {
		executionTimeout = DefaultExecutionTimeout
	}
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	return &Orchestrator{router: r, executionTimeout: executionTimeout, rpcTimeout: rpcTimeout}
}

// Execute runs code with a fresh Sandbox + RPC Bridge pair, routing
// every mcp.*() call through the Router.
func (o *Orchestrator) Execute(ctx context.Context, code string, opts Options) *ExecutionResult {
	traceID := opts.WorkflowID
	if traceID == "" {
		if id, err := uuid.NewV7(); err == nil {
			traceID = id.String()
		} else {
			traceID = uuid.New().String()
		}
	}
	executionID := uuid.New().String()

	reqCtx := opts.Context
	if reqCtx == nil {
		reqCtx = make(map[string]interface{})
	}

	started := time.Now()

	sandboxPort, bridgePort := transport.NewWorkerPair()
	sbox := sandbox.New(sandboxPort)

	rec := &recorder{fqdnMap: opts.FqdnMap, context: reqCtx}

	handler := func(rpcCtx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
		return o.handleRPC(rpcCtx, method, args, opts, rec, traceID)
	}
	bridge := rpcbridge.New(bridgePort, handler, o.rpcTimeout)

	defer func() {
		sbox.Terminate()
		bridge.Close()
		sandboxPort.Close()
		bridgePort.Close()
	}()

	contextJSON, err := json.Marshal(reqCtx)
	if err != nil {
		return &ExecutionResult{
			TraceID: traceID,
			Err:     &ExecutionError{Code: CodeCodeError, Message: err.Error()},
		}
	}

	value, execErr := bridge.Execute(ctx, executionID, code, contextJSON, o.executionTimeout)

	rec.mu.Lock()
	records := rec.records
	collected := rec.collectedUi
	rec.mu.Unlock()

	result := &ExecutionResult{
		DurationMs:      time.Since(started).Milliseconds(),
		ToolsCalled:     len(records),
		ToolCallRecords: records,
		TraceID:         traceID,
		CollectedUi:     collected,
		Context:         reqCtx,
	}

	if execErr != nil {
		if errors.Is(execErr, rpcbridge.ErrExecutionTimeout) {
			bridge.CancelExecution(executionID, "execution timeout")
			sbox.Terminate()
			result.Err = &ExecutionError{Code: CodeExecutionTimeout, Message: execErr.Error()}
			return result
		}
		result.Err = classify(execErr)
		return result
	}

	result.Success = true
	result.Value = value
	return result
}

// classify maps a bridge.Execute failure onto the execution error
// taxonomy.
func classify(err error) *ExecutionError {
	var execError *rpcbridge.ExecError
	if errors.As(err, &execError) {
		switch execError.Code {
		case "PERMISSION_DENIED":
			return &ExecutionError{Code: CodePermissionDenied, Message: execError.Message}
		case "CODE_ERROR":
			return &ExecutionError{Code: CodeCodeError, Message: execError.Message}
		case "CANCELLED", "BRIDGE_CLOSED":
			return &ExecutionError{Code: CodeWorkerTerminated, Message: execError.Message}
		default:
			return &ExecutionError{Code: CodeCodeError, Message: execError.Message}
		}
	}
	if errors.Is(err, rpcbridge.ErrBridgeClosed) {
		return &ExecutionError{Code: CodeWorkerTerminated, Message: err.Error()}
	}
	return &ExecutionError{Code: CodeCodeError, Message: err.Error()}
}

// recorder accumulates tool-call records and collected UI resources
// across the lifetime of one execution. Separate from Orchestrator
// itself since a fresh one is needed per Execute call.
type recorder struct {
	fqdnMap map[string]string
	context map[string]interface{}

	mu          sync.Mutex
	slot        int
	records     []ToolCallRecord
	collectedUi []CollectedUiResource
}

func (o *Orchestrator) handleRPC(ctx context.Context, method string, args json.RawMessage, opts Options, rec *recorder, traceID string) (json.RawMessage, error) {
	started := time.Now()
	toolFqdn := method
	if rec.fqdnMap != nil {
		if resolved, ok := rec.fqdnMap[method]; ok {
			toolFqdn = resolved
		}
	}

	var argsMap map[string]interface{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			argsMap = nil
		}
	}

	dest := o.router.ResolveToolRouting(toolFqdn)
	if dest == router.Client && opts.ClientToolHandler == nil {
		rec.record(ToolCallRecord{
			ToolFqdn:   toolFqdn,
			Method:     method,
			Args:       args,
			StartedAt:  started,
			DurationMs: time.Since(started).Milliseconds(),
			Success:    false,
			Error:      ErrNoClientHandler.Error(),
		})
		return nil, &ExecutionError{Code: CodeNoClientHandler, Message: ErrNoClientHandler.Error()}
	}

	result, err := o.router.RouteCall(ctx, toolFqdn, argsMap, opts.ClientToolHandler, traceID)

	record := ToolCallRecord{
		ToolFqdn:   toolFqdn,
		Method:     method,
		Args:       args,
		StartedAt:  started,
		DurationMs: time.Since(started).Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		record.Error = err.Error()
	}
	rec.record(record)

	if err == nil {
		rec.collectUi(toolFqdn, result, argsMap)
	}

	return result, err
}

func (r *recorder) record(rec ToolCallRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

type uiMeta struct {
	Meta struct {
		UI struct {
			ResourceURI string `json:"resourceUri"`
			MimeType    string `json:"mimeType"`
		} `json:"ui"`
	} `json:"_meta"`
}

func (r *recorder) collectUi(toolFqdn string, result json.RawMessage, args map[string]interface{}) {
	if len(result) == 0 {
		return
	}
	var m uiMeta
	if err := json.Unmarshal(result, &m); err != nil {
		return
	}
	if m.Meta.UI.ResourceURI == "" {
		return
	}

	r.mu.Lock()
	r.slot++
	slot := r.slot
	if r.context != nil {
		accArgs, ok := r.context["_args"].(map[string]interface{})
		if !ok {
			accArgs = make(map[string]interface{})
		}
		for k, v := range args {
			accArgs[k] = v
		}
		r.context["_args"] = accArgs
	}
	r.collectedUi = append(r.collectedUi, CollectedUiResource{
		Slot:        slot,
		ToolFqdn:    toolFqdn,
		ResourceURI: m.Meta.UI.ResourceURI,
		MimeType:    m.Meta.UI.MimeType,
		Args:        args,
	})
	r.mu.Unlock()
}
