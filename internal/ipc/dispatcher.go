package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dotclawhq/dotclaw/internal/paths"
)

// HandlerFunc executes one request kind and returns the result payload.
type HandlerFunc func(ctx context.Context, caller Caller, payload json.RawMessage) (any, error)

// Dispatcher watches group IPC directories and executes request files. It is
// single-writer per group: requests from one group run serially.
type Dispatcher struct {
	layout   paths.Layout
	logger   *slog.Logger
	handlers map[string]HandlerFunc
	resolve  func(folder string) (Caller, bool)

	pollInterval time.Duration

	mu      sync.Mutex
	groups  map[string]*groupWatch
	watcher *fsnotify.Watcher

	cancel context.CancelFunc
	done   chan struct{}
}

type groupWatch struct {
	caller Caller
	busy   sync.Mutex
	seen   map[string]bool
}

// NewDispatcher builds a dispatcher. resolve maps a group folder to its
// caller identity; unregistered folders are ignored.
func NewDispatcher(layout paths.Layout, resolve func(folder string) (Caller, bool), logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		layout:       layout,
		logger:       logger,
		handlers:     make(map[string]HandlerFunc),
		resolve:      resolve,
		pollInterval: 2 * time.Second,
		groups:       make(map[string]*groupWatch),
		done:         make(chan struct{}),
	}
}

// Handle registers the handler for a request kind.
func (d *Dispatcher) Handle(kind string, fn HandlerFunc) {
	d.handlers[kind] = fn
}

// WatchGroup starts watching a group's requests directory.
func (d *Dispatcher) WatchGroup(folder string) error {
	caller, ok := d.resolve(folder)
	if !ok {
		return fmt.Errorf("group %s: not registered", folder)
	}
	dir := d.layout.GroupIPC(folder).Requests()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create requests dir: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.groups[folder]; exists {
		return nil
	}
	d.groups[folder] = &groupWatch{caller: caller, seen: make(map[string]bool)}
	if d.watcher != nil {
		if err := d.watcher.Add(dir); err != nil {
			d.logger.Warn("fsnotify add failed, relying on polling", "dir", dir, "error", err)
		}
	}
	return nil
}

// UnwatchGroup stops watching a removed group.
func (d *Dispatcher) UnwatchGroup(folder string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.groups, folder)
	if d.watcher != nil {
		_ = d.watcher.Remove(d.layout.GroupIPC(folder).Requests())
	}
}

// Start runs the watch loop until Stop. Filesystem events trigger immediate
// scans; a polling ticker covers missed events and filesystems without
// notification support.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		d.mu.Lock()
		d.watcher = watcher
		for folder := range d.groups {
			if err := watcher.Add(d.layout.GroupIPC(folder).Requests()); err != nil {
				d.logger.Warn("fsnotify add failed", "group", folder, "error", err)
			}
		}
		d.mu.Unlock()
	}

	go d.loop(ctx)
	return nil
}

// Stop terminates the watch loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	<-d.done
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	var events chan fsnotify.Event
	var errs chan error
	if d.watcher != nil {
		events = d.watcher.Events
		errs = d.watcher.Errors
		defer d.watcher.Close()
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.scanAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				d.scanDirOf(ctx, ev.Name)
			}
		case err := <-errs:
			if err != nil {
				d.logger.Warn("fsnotify error", "error", err)
			}
		case <-ticker.C:
			d.scanAll(ctx)
		}
	}
}

func (d *Dispatcher) scanDirOf(ctx context.Context, file string) {
	dir := filepath.Dir(file)
	d.mu.Lock()
	for folder, gw := range d.groups {
		if d.layout.GroupIPC(folder).Requests() == dir {
			d.mu.Unlock()
			d.scanGroup(ctx, folder, gw)
			return
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) scanAll(ctx context.Context) {
	d.mu.Lock()
	snapshot := make(map[string]*groupWatch, len(d.groups))
	for f, gw := range d.groups {
		snapshot[f] = gw
	}
	d.mu.Unlock()

	for folder, gw := range snapshot {
		d.scanGroup(ctx, folder, gw)
	}
}

func (d *Dispatcher) scanGroup(ctx context.Context, folder string, gw *groupWatch) {
	gw.busy.Lock()
	defer gw.busy.Unlock()

	dir := d.layout.GroupIPC(folder).Requests()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		if gw.seen[name] {
			continue
		}
		gw.seen[name] = true
		d.process(ctx, folder, gw.caller, filepath.Join(dir, name))
		delete(gw.seen, name)
	}
}

// process reads, authorizes and executes one request file, writes the
// response, and removes (or quarantines) the request.
func (d *Dispatcher) process(ctx context.Context, folder string, caller Caller, path string) {
	var env Envelope
	if err := ReadJSONRetry(path, &env, 5, 50*time.Millisecond); err != nil {
		d.logger.Warn("unreadable ipc request", "group", folder, "file", filepath.Base(path), "error", err)
		d.quarantine(folder, path)
		return
	}
	if env.ID == "" || env.Kind == "" {
		d.logger.Warn("malformed ipc request", "group", folder, "file", filepath.Base(path))
		d.quarantine(folder, path)
		return
	}

	res := Result{ID: env.ID}
	if err := Authorize(caller, env); err != nil {
		res.Error = err.Error()
	} else if handler, ok := d.handlers[env.Kind]; !ok {
		res.Error = fmt.Sprintf("unknown request kind %q", env.Kind)
	} else if out, err := handler(ctx, caller, env.Payload); err != nil {
		res.Error = err.Error()
	} else {
		res.OK = true
		if out != nil {
			data, err := json.Marshal(out)
			if err != nil {
				res.OK = false
				res.Error = fmt.Sprintf("marshal result: %v", err)
			} else {
				res.Result = data
			}
		}
	}

	respPath := filepath.Join(d.layout.GroupIPC(folder).Responses(), env.ID+".response.json")
	if err := WriteAtomic(respPath, res); err != nil {
		d.logger.Error("ipc response write failed", "group", folder, "id", env.ID, "error", err)
	}

	if res.OK {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("ipc request cleanup failed", "file", path, "error", err)
		}
		d.logger.Debug("ipc request handled", "group", folder, "kind", env.Kind, "id", env.ID)
	} else {
		d.logger.Warn("ipc request failed", "group", folder, "kind", env.Kind, "id", env.ID, "error", res.Error)
		d.quarantine(folder, path)
	}
}

// quarantine moves a failed request to the group's errors directory, where
// maintenance prunes it after the retention window.
func (d *Dispatcher) quarantine(folder, path string) {
	errDir := d.layout.GroupIPC(folder).Errors()
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		return
	}
	dst := filepath.Join(errDir, fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(path)))
	if err := os.Rename(path, dst); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("ipc quarantine failed", "file", path, "error", err)
		os.Remove(path)
	}
}
