// gateway is the pml-gateway process entry point: it loads the
// declarative config, spawns and discovers the configured MCP servers,
// and serves the external MCP surface over stdio and HTTP
// simultaneously, plus the debug trace websocket.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hyper-int/pml-gateway/internal/config"
	"github.com/hyper-int/pml-gateway/internal/gateway"
	"github.com/hyper-int/pml-gateway/internal/memdiag"
)

const maxStdioFrameBytes = 10 * 1024 * 1024

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := fs.Int("port", 0, "HTTP port to serve the MCP POST endpoint and debug trace websocket on (overrides the config file's port)")
	configPath := fs.String("config", "", "path to pml.config.json (defaults to $PML_WORKSPACE/pml.config.json)")
	noSpeculative := fs.Bool("no-speculative", false, "skip eager discovery at startup; discover on first request instead")

	if len(os.Args) < 2 || os.Args[1] != "serve" {
		fmt.Fprintln(os.Stderr, "usage: gateway serve [--port N] [--config path] [--no-speculative]")
		return 1
	}
	if err := fs.Parse(os.Args[2:]); err != nil {
		return 1
	}

	path := *configPath
	if path == "" {
		workspace := os.Getenv("PML_WORKSPACE")
		if workspace == "" {
			fmt.Fprintln(os.Stderr, "gateway: --config not given and PML_WORKSPACE not set")
			return 1
		}
		path = filepath.Join(workspace, "pml.config.json")
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Printf("CONFIG_INVALID: %v", err)
		return 1
	}
	if *port != 0 {
		cfg.Port = *port
	}
	workspaceRoot := filepath.Dir(path)

	memMonitor := memdiag.New(memdiag.DefaultConfig())
	memMonitor.Start()
	defer memMonitor.Stop()

	g := gateway.New(cfg, workspaceRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var discoverOnce sync.Once
	discover := func() {
		discoverOnce.Do(func() {
			result, err := g.Discover(ctx)
			if err != nil {
				log.Printf("[gateway] discovery error: %v", err)
				return
			}
			log.Printf("[gateway] discovered %d tools across %d/%d servers (%d failed, %d skipped)",
				result.TotalTools, result.SuccessfulServers, result.TotalServers, len(result.Failures), len(result.SkippedTools))
		})
	}

	if *noSpeculative {
		log.Println("[gateway] --no-speculative: discovery deferred to first request")
	} else if err := discoverEagerly(ctx, g); err != nil {
		log.Printf("TRANSPORT_STARTUP_FAILURE: initial discovery failed: %v", err)
		return 2
	} else {
		discoverOnce.Do(func() {})
	}

	watcher, err := config.NewWatcher(path)
	if err != nil {
		log.Printf("[gateway] config watcher unavailable, continuing without live reload: %v", err)
	} else {
		watcher.OnChange(func(added, removed []string) error {
			return g.HandleConfigChange(ctx, added, removed)
		})
		if _, err := watcher.Seed(); err != nil {
			log.Printf("[gateway] config watcher seed failed: %v", err)
		}
		watcher.Start()
		defer watcher.Stop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", func(w http.ResponseWriter, r *http.Request) {
		handleHTTPFrame(ctx, g, discover, w, r)
	})
	mux.HandleFunc("GET /debug/traces", g.Hub().HandleWebSocket)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[gateway] serving HTTP on :%d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	go runStdioLoop(ctx, g, discover)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	debugDump := make(chan os.Signal, 1)
	signal.Notify(debugDump, syscall.SIGQUIT)
	go func() {
		for range debugDump {
			memMonitor.DumpGoroutineStacks()
		}
	}()

	select {
	case err := <-serverErr:
		log.Printf("TRANSPORT_STARTUP_FAILURE: %v", err)
		return 2
	case sig := <-shutdown:
		log.Printf("[gateway] received signal %v, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[gateway] HTTP server shutdown error: %v", err)
	}
	g.Shutdown(shutdownCtx)

	log.Println("[gateway] stopped")
	return 0
}

func discoverEagerly(ctx context.Context, g *gateway.Gateway) error {
	_, err := g.Discover(ctx)
	return err
}

// handleHTTPFrame answers one MCP request POSTed as a JSON body,
// triggering lazy discovery first if --no-speculative deferred it.
func handleHTTPFrame(ctx context.Context, g *gateway.Gateway, discover func(), w http.ResponseWriter, r *http.Request) {
	discover()

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxStdioFrameBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp := g.HandleRequest(ctx, body)
	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[gateway] failed to encode HTTP response: %v", err)
	}
}

// runStdioLoop speaks the same newline-framed JSON-RPC a client connects
// with when it launches the gateway as a stdio child process.
func runStdioLoop(ctx context.Context, g *gateway.Gateway, discover func()) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStdioFrameBytes)

	var writeMu sync.Mutex
	writer := bufio.NewWriter(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := append([]byte(nil), line...)

		discover()
		resp := g.HandleRequest(ctx, frame)
		if resp == nil {
			continue
		}

		writeMu.Lock()
		if err := json.NewEncoder(writer).Encode(resp); err != nil {
			log.Printf("[gateway] failed to encode stdio response: %v", err)
		} else {
			writer.Flush()
		}
		writeMu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[gateway] stdio read error: %v", err)
	}
}
