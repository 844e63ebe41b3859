// Package router decides whether a tool call is handled by a locally
// configured MCP server or forwarded to the remote cloud endpoint, and
// performs the forwarding.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyper-int/pml-gateway/internal/fqdn"
	"github.com/hyper-int/pml-gateway/internal/rpc"
)

// Destination is resolveToolRouting's result.
type Destination string

const (
	Client Destination = "client"
	Server Destination = "server"
)

// Router resolves routing and forwards server-bound calls to the cloud.
type Router struct {
	// localServers is the set of configured MCP server names reachable
	// from this gateway instance (keys of mcpServers in config).
	localServers map[string]bool
	// workspaceScope is this gateway's "scope.project" prefix, used to
	// recognise FQDNs that belong to the local workspace.
	workspaceScope string

	cloudURL   string
	apiKey     string
	httpClient *http.Client
}

// New builds a Router. localServers is the set of configured server
// names; workspaceScope is "scope.project" for this gateway's own
// workspace; cloudURL/apiKey configure cloud forwarding (cloudURL may
// be empty if no cloud endpoint is configured).
func New(localServers map[string]bool, workspaceScope, cloudURL, apiKey string) *Router {
	return &Router{
		localServers:   localServers,
		workspaceScope: workspaceScope,
		cloudURL:       cloudURL,
		apiKey:         apiKey,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

// ResolveToolRouting applies the three routing rules in order: a
// shorthand namespace resolved against a locally configured server
// wins, then an FQDN whose scope.project matches this workspace, and
// everything else routes to the remote cloud endpoint.
func (r *Router) ResolveToolRouting(toolID string) Destination {
	if fqdn.IsShorthand(toolID) {
		ns, _, err := fqdn.SplitShorthand(toolID)
		if err == nil && r.localServers[ns] {
			return Client
		}
		return Server
	}

	id, err := fqdn.Parse(toolID)
	if err != nil {
		return Server
	}
	if r.workspaceScope != "" && id.Scope+"."+id.Project == r.workspaceScope {
		return Client
	}
	return Server
}

// ClientHandler invokes the local path for a client-routed tool call.
// toolID and args are passed through; parentTraceID threads trace
// correlation into whatever the handler does.
type ClientHandler func(ctx context.Context, toolID string, args map[string]interface{}, parentTraceID string) (json.RawMessage, error)

// RouteCall resolves toolID's destination and dispatches accordingly.
func (r *Router) RouteCall(ctx context.Context, toolID string, args map[string]interface{}, clientHandler ClientHandler, parentTraceID string) (json.RawMessage, error) {
	switch r.ResolveToolRouting(toolID) {
	case Client:
		return clientHandler(ctx, toolID, args, parentTraceID)
	default:
		return r.callCloud(ctx, toolID, args)
	}
}

func (r *Router) callCloud(ctx context.Context, toolID string, args map[string]interface{}) (json.RawMessage, error) {
	if r.cloudURL == "" {
		return nil, fmt.Errorf("router: tool %q routes to server but no cloud url is configured", toolID)
	}
	req, err := rpc.NewRequest(float64(1), "tools/call", map[string]interface{}{
		"name":      toolID,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(r.cloudURL, "/")+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("X-API-Key", r.apiKey)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("router: cloud call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("router: reading cloud response: %w", err)
	}

	var rpcResp rpc.Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("router: malformed cloud response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("router: cloud error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}
