package config

import (
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked when the mcpServers subtree's canonical hash
// changes. The callback's job is to spawn/discover added servers and
// shut down removed ones; errors it returns are logged, never
// propagated — a faulty callback must not stop the watcher.
type ChangeCallback func(added, removed []string) error

// Watcher reloads the config file on modification events and invokes a
// registered callback exactly once per canonical-hash change.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu       sync.Mutex
	lastHash string
	lastFile *File
	callback ChangeCallback

	stop    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for the config file at path. Call Start
// after registering a callback with OnChange.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		fsw:     fsw,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	return w, nil
}

// OnChange registers the callback invoked on a canonical-hash change.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callback = cb
}

// Seed loads the current file and records its hash as the baseline,
// without invoking the callback. Call this once at startup before Start,
// so the first real edit is diffed against the servers already spawned.
func (w *Watcher) Seed() (*File, error) {
	f, err := Load(w.path)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.lastHash = CanonicalHash(f.Servers)
	w.lastFile = f
	w.mu.Unlock()
	return f, nil
}

// Start begins watching the config file's directory in the background.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts the watcher down; idempotent.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
	}
	close(w.stop)
	w.fsw.Close()
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.handleEdit()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[config-watcher] error: %v", err)
		}
	}
}

func (w *Watcher) handleEdit() {
	f, err := Load(w.path)
	if err != nil {
		log.Printf("[config-watcher] reload failed, keeping previous config: %v", err)
		return
	}

	newHash := CanonicalHash(f.Servers)

	w.mu.Lock()
	if newHash == w.lastHash {
		w.mu.Unlock()
		return // re-indent or other non-semantic edit; canonical hash unchanged
	}
	added, removed := diffServers(w.lastFile, f)
	w.lastHash = newHash
	w.lastFile = f
	cb := w.callback
	w.mu.Unlock()

	if cb == nil {
		return
	}
	if err := cb(added, removed); err != nil {
		log.Printf("[config-watcher] change callback error: %v", err)
	}
}

func diffServers(oldFile, newFile *File) (added, removed []string) {
	var oldServers map[string]ServerRecord
	if oldFile != nil {
		oldServers = oldFile.Servers
	}
	for name := range newFile.Servers {
		if _, ok := oldServers[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range oldServers {
		if _, ok := newFile.Servers[name]; !ok {
			removed = append(removed, name)
		}
	}
	return added, removed
}
