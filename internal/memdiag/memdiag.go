// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package memdiag gives cmd/gateway a SIGQUIT goroutine-dump handler and
// periodic memory logging, tuned for a long-running gateway process
// rather than a short-lived per-session sandbox.
package memdiag

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"
)

// Monitor periodically logs heap/goroutine stats and dumps full
// goroutine stacks on demand (wired to SIGQUIT by cmd/gateway).
type Monitor struct {
	interval          time.Duration
	warningThreshold  uint64
	criticalThreshold uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	prevNumGC uint32
	prevAlloc uint64
}

// Config tunes Monitor's thresholds and log cadence.
type Config struct {
	Interval          time.Duration
	WarningThreshold  uint64 // bytes
	CriticalThreshold uint64 // bytes
}

// DefaultConfig is sized for a gateway process holding a handful of
// spawned MCP server connections rather than a full sandboxed session.
func DefaultConfig() Config {
	return Config{
		Interval:          60 * time.Second,
		WarningThreshold:  256 * 1024 * 1024,
		CriticalThreshold: 1024 * 1024 * 1024,
	}
}

// New builds a Monitor; zero fields in cfg fall back to DefaultConfig.
func New(cfg Config) *Monitor {
	defaults := DefaultConfig()
	if cfg.Interval == 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.WarningThreshold == 0 {
		cfg.WarningThreshold = defaults.WarningThreshold
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = defaults.CriticalThreshold
	}
	return &Monitor{
		interval:          cfg.Interval,
		warningThreshold:  cfg.WarningThreshold,
		criticalThreshold: cfg.CriticalThreshold,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic logging in the background.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	log.Printf("[memdiag] started (interval=%v warn=%dMB crit=%dMB)",
		m.interval, m.warningThreshold/(1024*1024), m.criticalThreshold/(1024*1024))
}

// Stop halts the background loop; idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	m.logStats("startup")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			m.logStats("shutdown")
			return
		case <-ticker.C:
			m.logStats("periodic")
		}
	}
}

func (m *Monitor) logStats(reason string) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	gcRuns := ms.NumGC - m.prevNumGC
	allocDelta := int64(ms.TotalAlloc - m.prevAlloc)
	m.prevNumGC = ms.NumGC
	m.prevAlloc = ms.TotalAlloc

	level := "INFO"
	switch {
	case ms.HeapAlloc >= m.criticalThreshold:
		level = "CRITICAL"
	case ms.HeapAlloc >= m.warningThreshold:
		level = "WARNING"
	}

	log.Printf("%s [memdiag:%s] heap=%.1fMB sys=%.1fMB goroutines=%d gc_runs=%d alloc_delta=%.1fMB",
		level, reason,
		float64(ms.HeapAlloc)/(1024*1024),
		float64(ms.Sys)/(1024*1024),
		runtime.NumGoroutine(),
		gcRuns,
		float64(allocDelta)/(1024*1024),
	)

	if ms.HeapAlloc >= m.criticalThreshold {
		m.logGoroutineSummary()
	}
}

func (m *Monitor) logGoroutineSummary() {
	p := pprof.Lookup("goroutine")
	if p == nil {
		return
	}
	log.Printf("CRITICAL [memdiag:goroutines] total=%d (writing summary to stderr)", p.Count())
	p.WriteTo(os.Stderr, 1)
}

// DumpGoroutineStacks writes every goroutine's full stack to stderr.
// Wired to SIGQUIT so a hung gateway can be inspected without killing it.
func (m *Monitor) DumpGoroutineStacks() {
	log.Println("[memdiag] dumping goroutine stacks")
	m.logStats("dump")

	buf := make([]byte, 1024*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE DUMP ===\n%s\n=== END GOROUTINE DUMP ===\n", buf[:n])
			break
		}
		buf = make([]byte, len(buf)*2)
		if len(buf) > 64*1024*1024 {
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE DUMP (truncated) ===\n%s\n=== END GOROUTINE DUMP ===\n", buf)
			break
		}
	}
	log.Printf("[memdiag] dump complete (goroutines=%d)", runtime.NumGoroutine())
}
