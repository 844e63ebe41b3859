// Package gateway exposes the external MCP wire surface a client
// speaks to: initialize/initialized, tools/list (discovered tools plus
// pml:execute), tools/call (pml:execute or a transparent proxy to the
// owning local server), and resources/read. It wires every other
// component — Supervisor, Multiplexer, Discovery, Router, Key Gate,
// Permission, Orchestrator, Trace Syncer, and the debug hub — behind
// that surface.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyper-int/pml-gateway/internal/config"
	"github.com/hyper-int/pml-gateway/internal/debughub"
	"github.com/hyper-int/pml-gateway/internal/discovery"
	"github.com/hyper-int/pml-gateway/internal/fqdn"
	"github.com/hyper-int/pml-gateway/internal/keygate"
	"github.com/hyper-int/pml-gateway/internal/mcpclient"
	"github.com/hyper-int/pml-gateway/internal/orchestrator"
	"github.com/hyper-int/pml-gateway/internal/permission"
	"github.com/hyper-int/pml-gateway/internal/router"
	"github.com/hyper-int/pml-gateway/internal/rpc"
	"github.com/hyper-int/pml-gateway/internal/rpcbridge"
	"github.com/hyper-int/pml-gateway/internal/supervisor"
	"github.com/hyper-int/pml-gateway/internal/trace"
)

const pmlExecuteToolName = "pml:execute"

const defaultCallTimeout = 30 * time.Second

// pmlExecuteInputSchema is pml:execute's own admitted schema: code is
// required, context/workflowId are optional. requiredKeys is this
// gateway's own extension wiring the Key Gate into a specific call —
// the declarative config has no static tool -> required-env-vars
// registry, so the caller (whoever composed the glue code) declares
// what it needs up front; see DESIGN.md's Open Question resolution.
var pmlExecuteInputSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "code": {"type": "string"},
    "context": {"type": "object"},
    "workflowId": {"type": "string"},
    "requiredKeys": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["code"]
}`)

// Gateway wires every discovered component behind the external MCP
// surface.
type Gateway struct {
	cfg           *config.File
	workspaceRoot string
	apiKey        string

	supervisor *supervisor.Supervisor
	cache      *discovery.Cache
	nameMap    *fqdn.NameMap

	router       *router.Router
	permissions  *permission.Config
	keygate      *keygate.Gate
	orchestrator *orchestrator.Orchestrator
	syncer       *trace.Syncer
	hub          *debughub.Hub

	mu      sync.RWMutex
	clients map[string]*mcpclient.Multiplexer
	tools   []discovery.Tool
}

// New builds a Gateway from a loaded config file. workspaceRoot scopes
// the Key Gate's .env reload and the discovery cache's on-disk snapshot.
func New(cfg *config.File, workspaceRoot string) *Gateway {
	apiKey := os.Getenv("PML_API_KEY")

	localServers := make(map[string]bool, len(cfg.Servers))
	for name := range cfg.Servers {
		localServers[name] = true
	}
	r := router.New(localServers, cfg.Workspace, cfg.CloudURL, apiKey)

	var permCfg *permission.Config
	if cfg.Permissions != nil {
		permCfg = permission.New(cfg.Permissions.Deny, cfg.Permissions.Allow, cfg.Permissions.Ask)
	} else {
		permCfg = permission.NewUnconfigured()
	}

	return &Gateway{
		cfg:           cfg,
		workspaceRoot: workspaceRoot,
		apiKey:        apiKey,
		supervisor:    supervisor.New(),
		cache:         discovery.NewCache(workspaceRoot),
		nameMap:       fqdn.NewNameMap(),
		router:        r,
		permissions:   permCfg,
		keygate:       keygate.New(workspaceRoot),
		orchestrator:  orchestrator.New(r, 0, 0),
		syncer:        trace.New(cfg.CloudURL, apiKey),
		hub:           debughub.New(),
		clients:       make(map[string]*mcpclient.Multiplexer),
	}
}

// Hub exposes the debug trace hub so cmd/gateway can mount its
// websocket handler.
func (g *Gateway) Hub() *debughub.Hub { return g.hub }

// Discover spawns every configured server on demand, fans out
// tools/list, and serves a cached snapshot when the config hasn't
// changed since the last successful discovery.
func (g *Gateway) Discover(ctx context.Context) (discovery.Result, error) {
	discoverers := make(map[string]discovery.ServerDiscoverer, len(g.cfg.Servers))
	for name, rec := range g.cfg.Servers {
		proc, err := g.supervisor.GetOrSpawn(ctx, rec)
		if err != nil {
			log.Printf("[gateway] spawn %q failed: %v", name, err)
			continue
		}
		client := g.clientFor(name, proc)
		discoverers[name] = client
	}

	configHash := config.CanonicalHash(g.cfg.Servers)
	if cached, err := g.cache.Load(configHash); err == nil && cached != nil {
		g.indexTools(*cached)
		return *cached, nil
	}

	result := discovery.DiscoverAll(ctx, g.cfg.Servers, discoverers, 10*time.Second, 30*time.Second, 4)
	if err := g.cache.Save(configHash, result); err != nil {
		log.Printf("[gateway] discovery cache save failed: %v", err)
	}
	g.indexTools(result)
	return result, nil
}

func (g *Gateway) clientFor(name string, proc *supervisor.Process) *mcpclient.Multiplexer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[name]; ok {
		return c
	}
	c := mcpclient.New(name, proc.Transport)
	g.clients[name] = c
	return c
}

func (g *Gateway) indexTools(result discovery.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tools = result.Tools
	for _, t := range result.Tools {
		g.nameMap.Register(t.Server, t.Name, strings.Join([]string{g.cfg.Workspace, t.Server, t.Name}, "."))
	}
}

// HandleConfigChange is the config.Watcher's ChangeCallback: shut down
// any server removed from the config, then rediscover if anything was
// added.
func (g *Gateway) HandleConfigChange(ctx context.Context, added, removed []string) error {
	for _, name := range removed {
		g.supervisor.Shutdown(name)
		g.mu.Lock()
		delete(g.clients, name)
		g.mu.Unlock()
	}
	if len(added) == 0 {
		return nil
	}
	_, err := g.Discover(ctx)
	return err
}

// Shutdown tears down every spawned server, flushes any queued traces,
// and stops the debug hub.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.syncer.Shutdown(ctx)
	g.hub.Stop()
	g.supervisor.ShutdownAll()
}

// HandleRequest dispatches one JSON-RPC request to the appropriate
// handler. Returns nil for notifications, which carry no response.
func (g *Gateway) HandleRequest(ctx context.Context, body []byte) *rpc.Response {
	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return rpc.ErrorResponse(nil, rpc.CodeParseError, "invalid JSON-RPC request")
	}
	if req.IsNotification() {
		return nil
	}

	switch req.Method {
	case "initialize":
		return g.handleInitialize(&req)
	case "tools/list":
		return g.handleToolsList(&req)
	case "tools/call":
		return g.handleToolsCall(ctx, &req)
	case "resources/read":
		return g.handleResourcesRead(&req)
	default:
		return rpc.ErrorResponse(req.ID, rpc.CodeMethodNotFound, fmt.Sprintf("method %q not supported", req.Method))
	}
}

func (g *Gateway) handleInitialize(req *rpc.Request) *rpc.Response {
	resp, err := rpc.ResultResponse(req.ID, map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{},
			"resources": map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{"name": "pml-gateway", "version": "1.0.0"},
	})
	if err != nil {
		return rpc.ErrorResponse(req.ID, rpc.CodeInternalError, err.Error())
	}
	return resp
}

type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (g *Gateway) handleToolsList(req *rpc.Request) *rpc.Response {
	g.mu.RLock()
	defer g.mu.RUnlock()

	defs := make([]toolDef, 0, len(g.tools)+1)
	defs = append(defs, toolDef{
		Name:        pmlExecuteToolName,
		Description: "Run sandboxed glue code against the discovered tools.",
		InputSchema: pmlExecuteInputSchema,
	})
	for _, t := range g.tools {
		defs = append(defs, toolDef{Name: t.Server + ":" + t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	resp, err := rpc.ResultResponse(req.ID, map[string]interface{}{"tools": defs})
	if err != nil {
		return rpc.ErrorResponse(req.ID, rpc.CodeInternalError, err.Error())
	}
	return resp
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (g *Gateway) handleToolsCall(ctx context.Context, req *rpc.Request) *rpc.Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, "invalid tools/call params")
	}
	if params.Name == pmlExecuteToolName {
		return g.handlePmlExecute(ctx, req.ID, params.Arguments)
	}
	return g.handleProxyCall(ctx, req.ID, params.Name, params.Arguments)
}

// handleProxyCall forwards a tools/call for any non-pml:execute name
// straight through to the local server that owns it, as a transparent
// proxy.
func (g *Gateway) handleProxyCall(ctx context.Context, id interface{}, name string, arguments json.RawMessage) *rpc.Response {
	server, toolName, err := splitServerTool(name)
	if err != nil {
		return rpc.ErrorResponse(id, rpc.CodeInvalidParams, err.Error())
	}

	// As in clientToolHandler, "ask" is treated as "deny": a proxied
	// tools/call has no pending-approval step to wait on.
	if decision := g.permissions.Check(server + ":" + toolName); decision == permission.Deny || decision == permission.Ask {
		return rpc.ErrorResponse(id, rpc.CodeInvalidRequest, "PERMISSION_DENIED: "+name)
	}

	g.mu.RLock()
	client, ok := g.clients[server]
	g.mu.RUnlock()
	if !ok {
		return rpc.ErrorResponse(id, rpc.CodeInvalidParams, fmt.Sprintf("no such server %q", server))
	}

	var args map[string]interface{}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return rpc.ErrorResponse(id, rpc.CodeInvalidParams, "invalid arguments")
		}
	}
	result, err := client.Call(ctx, "tools/call", map[string]interface{}{"name": toolName, "arguments": args}, defaultCallTimeout)
	if err != nil {
		return rpc.ErrorResponse(id, rpc.CodeInternalError, err.Error())
	}
	return &rpc.Response{JSONRPC: rpc.Version, ID: id, Result: result}
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

// handleResourcesRead serves UI resource reads from the snapshot
// discovery already fetched; a tool's UI descriptor is read once at
// discovery time, not re-fetched per request.
func (g *Gateway) handleResourcesRead(req *rpc.Request) *rpc.Response {
	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, "invalid resources/read params")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.tools {
		if t.UI != nil && t.UI.ResourceURI == params.URI {
			resp, err := rpc.ResultResponse(req.ID, map[string]interface{}{
				"contents": []map[string]interface{}{{
					"uri":      t.UI.ResourceURI,
					"mimeType": t.UI.MimeType,
					"text":     t.UI.Content,
				}},
			})
			if err != nil {
				return rpc.ErrorResponse(req.ID, rpc.CodeInternalError, err.Error())
			}
			return resp
		}
	}
	return rpc.ErrorResponse(req.ID, rpc.CodeInvalidParams, fmt.Sprintf("no such resource %q", params.URI))
}

type pmlExecuteArgs struct {
	Code         string                 `json:"code"`
	Context      map[string]interface{} `json:"context"`
	WorkflowID   string                 `json:"workflowId"`
	RequiredKeys []string               `json:"requiredKeys"`
}

// handlePmlExecute checks required keys before ever spawning a sandbox:
// a missing or placeholder key pauses the call with an HIL envelope
// carrying a workflowId the caller resubmits once the key is set, at
// which point traceId == workflowId.
func (g *Gateway) handlePmlExecute(ctx context.Context, id interface{}, arguments json.RawMessage) *rpc.Response {
	var args pmlExecuteArgs
	if err := json.Unmarshal(arguments, &args); err != nil || args.Code == "" {
		return rpc.ErrorResponse(id, rpc.CodeInvalidParams, `pml:execute requires a non-empty "code" string`)
	}

	if len(args.RequiredKeys) > 0 {
		var result keygate.CheckResult
		var err error
		if args.WorkflowID != "" {
			result, err = g.keygate.Resume(args.RequiredKeys)
			if err != nil {
				return rpc.ErrorResponse(id, rpc.CodeInternalError, err.Error())
			}
		} else {
			result = keygate.CheckKeys(args.RequiredKeys)
		}
		if !result.AllValid {
			workflowID := args.WorkflowID
			if workflowID == "" {
				workflowID = uuid.New().String()
			}
			resp, respErr := rpc.ResultResponse(id, keygate.PauseForMissingKeys(result, workflowID))
			if respErr != nil {
				return rpc.ErrorResponse(id, rpc.CodeInternalError, respErr.Error())
			}
			return resp
		}
	}

	g.mu.RLock()
	fqdnMap := g.nameMap.Snapshot()
	g.mu.RUnlock()

	execResult := g.orchestrator.Execute(ctx, args.Code, orchestrator.Options{
		Context:           args.Context,
		ClientToolHandler: g.clientToolHandler,
		WorkflowID:        args.WorkflowID,
		FqdnMap:           fqdnMap,
	})

	g.recordTrace(execResult)

	resp, err := rpc.ResultResponse(id, executeResponsePayload(execResult))
	if err != nil {
		return rpc.ErrorResponse(id, rpc.CodeInternalError, err.Error())
	}
	return resp
}

func executeResponsePayload(r *orchestrator.ExecutionResult) map[string]interface{} {
	payload := map[string]interface{}{
		"success":         r.Success,
		"durationMs":      r.DurationMs,
		"toolsCalled":     r.ToolsCalled,
		"toolCallRecords": r.ToolCallRecords,
		"traceId":         r.TraceID,
		"collectedUi":     r.CollectedUi,
		"context":         r.Context,
	}
	if r.Success {
		var value interface{}
		if len(r.Value) > 0 {
			_ = json.Unmarshal(r.Value, &value)
		}
		payload["value"] = value
	} else if r.Err != nil {
		payload["error"] = map[string]interface{}{"code": r.Err.Code, "message": r.Err.Message}
	}
	return payload
}

// clientToolHandler answers a sandboxed mcp.<namespace>.<action>() call
// by dispatching to the owning local server's Multiplexer, gated by the
// permission engine.
func (g *Gateway) clientToolHandler(ctx context.Context, toolID string, args map[string]interface{}, _ string) (json.RawMessage, error) {
	server, toolName, err := resolveServerAndTool(toolID)
	if err != nil {
		return nil, err
	}

	if decision := g.permissions.Check(server + ":" + toolName); decision == permission.Deny || decision == permission.Ask {
		// There is no actor to ask mid-execution — a synchronous glue
		// code call with no pending-approval channel treats "ask" the
		// same as "deny" (see DESIGN.md's Open Question resolution).
		return nil, &rpcbridge.PermissionDeniedError{Message: fmt.Sprintf("tool %q is not permitted", toolID)}
	}

	g.mu.RLock()
	client, ok := g.clients[server]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("gateway: no client for server %q", server)
	}

	return client.Call(ctx, "tools/call", map[string]interface{}{"name": toolName, "arguments": args}, defaultCallTimeout)
}

func (g *Gateway) recordTrace(r *orchestrator.ExecutionResult) {
	payload := map[string]interface{}{
		"success":         r.Success,
		"durationMs":      r.DurationMs,
		"toolsCalled":     r.ToolsCalled,
		"toolCallRecords": r.ToolCallRecords,
		"collectedUi":     r.CollectedUi,
	}
	if r.Err != nil {
		payload["error"] = map[string]interface{}{"code": r.Err.Code, "message": r.Err.Message}
	}
	sanitized := trace.Sanitize(payload)
	g.syncer.Enqueue(&trace.Trace{
		CapabilityID: pmlExecuteToolName,
		TraceID:      r.TraceID,
		Timestamp:    time.Now(),
		Payload:      sanitized,
	})
	g.hub.Broadcast(debughub.Event{Type: "execution", TraceID: r.TraceID, Timestamp: time.Now(), Payload: sanitized})
}

func splitServerTool(name string) (server, tool string, err error) {
	idx := strings.Index(name, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("gateway: tool name %q must be in server:tool form", name)
	}
	return name[:idx], name[idx+1:], nil
}

func resolveServerAndTool(toolID string) (server, tool string, err error) {
	if fqdn.IsShorthand(toolID) {
		return fqdn.SplitShorthand(toolID)
	}
	id, perr := fqdn.Parse(toolID)
	if perr != nil {
		return "", "", fmt.Errorf("gateway: %q is neither shorthand nor a dotted fqdn", toolID)
	}
	return id.Namespace, id.Action, nil
}
