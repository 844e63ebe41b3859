package memdiag

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"
	"time"
)

func TestMonitorLogsOnStartup(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	m := New(Config{
		Interval:          100 * time.Millisecond,
		WarningThreshold:  256 * 1024 * 1024,
		CriticalThreshold: 1024 * 1024 * 1024,
	})
	m.Start()
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	output := buf.String()
	if !strings.Contains(output, "[memdiag] started") {
		t.Errorf("expected a startup message, got: %s", output)
	}
	if !strings.Contains(output, "[memdiag:startup]") {
		t.Errorf("expected startup memory stats, got: %s", output)
	}
	if !strings.Contains(output, "heap=") {
		t.Errorf("expected heap stats, got: %s", output)
	}
	if !strings.Contains(output, "goroutines=") {
		t.Errorf("expected goroutine count, got: %s", output)
	}
}

func TestMonitorPeriodicLogging(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	m := New(Config{
		Interval:          50 * time.Millisecond,
		WarningThreshold:  256 * 1024 * 1024,
		CriticalThreshold: 1024 * 1024 * 1024,
	})
	m.Start()
	time.Sleep(150 * time.Millisecond)
	m.Stop()

	if output := buf.String(); !strings.Contains(output, "[memdiag:periodic]") {
		t.Errorf("expected periodic memory stats, got: %s", output)
	}
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	m := New(DefaultConfig())
	m.Start()
	m.Stop()
	m.Stop()
}

func TestDumpGoroutineStacks(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	oldStderr := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	m := New(DefaultConfig())
	m.DumpGoroutineStacks()

	w.Close()
	os.Stderr = oldStderr

	var stderrBuf bytes.Buffer
	stderrBuf.ReadFrom(r)

	if logOutput := buf.String(); !strings.Contains(logOutput, "[memdiag:dump]") {
		t.Errorf("expected dump log message, got: %s", logOutput)
	}
	if stderrOutput := stderrBuf.String(); !strings.Contains(stderrOutput, "GOROUTINE DUMP") {
		t.Errorf("expected goroutine dump in stderr, got: %s", stderrOutput)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval != 60*time.Second {
		t.Errorf("expected 60s interval, got %v", cfg.Interval)
	}
	if cfg.WarningThreshold != 256*1024*1024 {
		t.Errorf("expected 256MB warning threshold, got %d", cfg.WarningThreshold)
	}
	if cfg.CriticalThreshold != 1024*1024*1024 {
		t.Errorf("expected 1GB critical threshold, got %d", cfg.CriticalThreshold)
	}
}
