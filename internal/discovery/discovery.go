// Package discovery implements tools/list fan-out across configured
// MCP servers, JSON-Schema validation of each tool's inputSchema, and
// UI resource fetch for tools that advertise one.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hyper-int/pml-gateway/internal/config"
)

// Tool is one admitted, discovered tool.
type Tool struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	UI          *UIResource     `json:"ui,omitempty"`
}

// UIResource is the verbatim fetched UI descriptor content for a tool
// that advertised one via _meta.ui.resourceUri.
type UIResource struct {
	ResourceURI string `json:"resourceUri"`
	MimeType    string `json:"mimeType,omitempty"`
	Content     string `json:"content"`
}

// Failure records one server's discovery failure.
type Failure struct {
	Server string `json:"server"`
	Error  string `json:"error"`
}

// Skipped records one tool rejected for an invalid schema.
type Skipped struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
	Reason string `json:"reason"`
}

// Result is discoverAll's summary.
type Result struct {
	TotalServers      int       `json:"totalServers"`
	SuccessfulServers int       `json:"successfulServers"`
	FailedServers     int       `json:"failedServers"`
	TotalTools        int       `json:"totalTools"`
	SkippedTools      []Skipped `json:"skippedTools"`
	UITools           int       `json:"uiTools"`
	Failures          []Failure `json:"failures"`
	Tools             []Tool    `json:"tools"`
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)

// ValidateToolName enforces the admitted tool name character set.
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("discovery: tool name must not be empty")
	}
	if len(name) > 256 {
		return fmt.Errorf("discovery: tool name exceeds 256 characters")
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("discovery: tool name must not contain a colon")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("discovery: tool name %q has invalid characters", name)
	}
	return nil
}

// ValidateSchema checks schema against draft-07, then 2020-12. Returns
// nil if either accepts it.
func ValidateSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	err7 := compileAgainst(jsonschema.Draft7, schema)
	if err7 == nil {
		return nil
	}
	err2020 := compileAgainst(jsonschema.Draft2020, schema)
	if err2020 == nil {
		return nil
	}
	return fmt.Errorf("invalid under draft-07 (%v) and 2020-12 (%v)", err7, err2020)
}

func compileAgainst(draft *jsonschema.Draft, schema json.RawMessage) error {
	c := jsonschema.NewCompiler()
	c.Draft = draft
	const url = "mem://inputSchema.json"
	if err := c.AddResource(url, strings.NewReader(string(schema))); err != nil {
		return err
	}
	_, err := c.Compile(url)
	return err
}

// ServerDiscoverer is the subset of mcpclient.Multiplexer discoverAll
// needs, so tests can stub it without a real transport.
type ServerDiscoverer interface {
	Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)
}

type rawTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Meta        struct {
		UI struct {
			ResourceURI string `json:"resourceUri"`
		} `json:"ui"`
	} `json:"_meta"`
}

type toolsListResult struct {
	Tools []rawTool `json:"tools"`
}

type resourceReadResult struct {
	Contents []struct {
		URI      string `json:"uri"`
		MimeType string `json:"mimeType"`
		Text     string `json:"text"`
	} `json:"contents"`
}

// DiscoverAll fans out tools/list to every server, batched by
// concurrency, bounded by perServerTimeout and globalTimeout.
// clients maps server name to an already-initialized Multiplexer
// (the caller is responsible for spawning via the Supervisor first).
func DiscoverAll(ctx context.Context, servers map[string]config.ServerRecord, clients map[string]ServerDiscoverer, perServerTimeout, globalTimeout time.Duration, concurrency int) Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}

	result := Result{TotalServers: len(names)}
	var mu sync.Mutex

	globalCtx, cancel := context.WithTimeout(ctx, globalTimeout)
	defer cancel()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, name := range names {
		name := name
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			client, ok := clients[name]
			if !ok {
				mu.Lock()
				result.FailedServers++
				result.Failures = append(result.Failures, Failure{Server: name, Error: "no client available"})
				mu.Unlock()
				return
			}

			tools, skipped, failure := discoverOne(globalCtx, name, client, perServerTimeout)
			mu.Lock()
			if failure != nil {
				result.FailedServers++
				result.Failures = append(result.Failures, *failure)
			} else {
				result.SuccessfulServers++
			}
			result.SkippedTools = append(result.SkippedTools, skipped...)
			for _, tl := range tools {
				result.Tools = append(result.Tools, tl)
				if tl.UI != nil {
					result.UITools++
				}
			}
			mu.Unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-globalCtx.Done():
		// Global timeout fired: return the partial set collected so far.
	}

	mu.Lock()
	defer mu.Unlock()
	result.TotalTools = len(result.Tools)
	return result
}

func discoverOne(ctx context.Context, server string, client ServerDiscoverer, timeout time.Duration) ([]Tool, []Skipped, *Failure) {
	raw, err := client.Call(ctx, "tools/list", nil, timeout)
	if err != nil {
		return nil, nil, &Failure{Server: server, Error: err.Error()}
	}
	var listed toolsListResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, nil, &Failure{Server: server, Error: fmt.Sprintf("malformed tools/list result: %v", err)}
	}

	var tools []Tool
	var skipped []Skipped
	for _, rt := range listed.Tools {
		if err := ValidateToolName(rt.Name); err != nil {
			skipped = append(skipped, Skipped{Server: server, Tool: rt.Name, Reason: err.Error()})
			continue
		}
		if err := ValidateSchema(rt.InputSchema); err != nil {
			skipped = append(skipped, Skipped{Server: server, Tool: rt.Name, Reason: err.Error()})
			continue
		}

		tool := Tool{Server: server, Name: rt.Name, Description: rt.Description, InputSchema: rt.InputSchema}
		if uri := rt.Meta.UI.ResourceURI; uri != "" {
			ui, err := fetchUIResource(ctx, client, uri, timeout)
			if err != nil {
				log.Printf("[discovery] server=%s tool=%s: ui resource fetch failed (non-fatal): %v", server, rt.Name, err)
			} else {
				tool.UI = ui
			}
		}
		tools = append(tools, tool)
	}
	return tools, skipped, nil
}

func fetchUIResource(ctx context.Context, client ServerDiscoverer, uri string, timeout time.Duration) (*UIResource, error) {
	raw, err := client.Call(ctx, "resources/read", map[string]string{"uri": uri}, timeout)
	if err != nil {
		return nil, err
	}
	var res resourceReadResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("malformed resources/read result: %w", err)
	}
	if len(res.Contents) == 0 {
		return nil, fmt.Errorf("resources/read returned no contents")
	}
	c := res.Contents[0]
	return &UIResource{ResourceURI: c.URI, MimeType: c.MimeType, Content: c.Text}, nil
}
