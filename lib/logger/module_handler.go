// Package logger provides structured logging with subsystem-specific levels
// and OpenTelemetry trace context integration.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ModuleLogHandler wraps an slog.Handler and additionally writes logs
// that have a "module" attribute to a per-module overlayd.log file inside
// that module's own directory. Module authors can inspect what happened to
// their contribution (first-writer-wins drops, mount failures, skips)
// without parsing the whole engine's log stream.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type ModuleLogHandler struct {
	slog.Handler
	logPathFunc func(module string) string // returns path to overlayd.log for a module
	state       *sharedState               // shared across all handlers derived via WithAttrs/WithGroup
}

// sharedState holds state that must be shared across all handler instances
// derived from the same parent via WithAttrs/WithGroup.
// Using a pointer ensures all derived handlers share the same mutex and file cache.
type sharedState struct {
	mu        sync.Mutex
	fileCache map[string]*os.File
}

// NewModuleLogHandler creates a new handler that wraps the given handler
// and writes module-related logs to per-module log files.
// logPathFunc should return the path to overlayd.log for a given module name.
func NewModuleLogHandler(wrapped slog.Handler, logPathFunc func(module string) string) *ModuleLogHandler {
	return &ModuleLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
		state: &sharedState{
			fileCache: make(map[string]*os.File),
		},
	}
}

// Handle processes a log record, passing it to the wrapped handler and
// optionally writing to a per-module log file if a "module" attribute is
// present. First-writer-wins drops carry both a winning_module and a
// losing_module attribute; those records are teed to both modules' logs.
func (h *ModuleLogHandler) Handle(ctx context.Context, r slog.Record) error {
	// Pass to the wrapped handler first, at the levels it is enabled for;
	// per-module logs receive records of every level.
	if h.Handler.Enabled(ctx, r.Level) {
		if err := h.Handler.Handle(ctx, r); err != nil {
			return err
		}
	}

	var modules []string
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "module", "winning_module", "losing_module":
			if v := a.Value.String(); v != "" {
				modules = append(modules, v)
			}
		}
		return true
	})

	for _, module := range modules {
		h.writeToModuleLog(module, r)
	}

	return nil
}

// writeToModuleLog writes a log record to the module's overlayd.log file.
func (h *ModuleLogHandler) writeToModuleLog(module string, r slog.Record) {
	logPath := h.logPathFunc(module)
	if logPath == "" {
		return
	}

	// Format log line outside the lock: timestamp LEVEL message key=value key=value...
	timestamp := r.Time.Format(time.RFC3339)
	level := r.Level.String()
	msg := r.Message

	// Collect attributes (excluding "module" since it's implicit)
	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "module" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
		return true
	})

	// Build log line
	line := fmt.Sprintf("%s %s %s", timestamp, level, msg)
	for _, attr := range attrs {
		line += " " + attr
	}
	line += "\n"

	// Get or create file handle and write (single lock acquisition)
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	f, ok := h.state.fileCache[module]
	if !ok {
		// Ensure directory exists
		dir := filepath.Dir(logPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return // silently skip if can't create directory
		}

		var err error
		f, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return // silently skip if can't open file
		}
		h.state.fileCache[module] = f
	}

	// Write to file (best effort)
	f.WriteString(line)
}

// Enabled reports true for every level, so debug records (such as
// first-writer-wins drops) reach the per-module logs even when the wrapped
// handler's level is higher; Handle applies the wrapped handler's level.
func (h *ModuleLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

// WithAttrs returns a new handler with the given attributes.
// The new handler shares the same state (mutex and file cache) as the parent.
func (h *ModuleLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ModuleLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		state:       h.state, // same pointer = shared mutex and cache
	}
}

// WithGroup returns a new handler with the given group name.
// The new handler shares the same state (mutex and file cache) as the parent.
func (h *ModuleLogHandler) WithGroup(name string) slog.Handler {
	return &ModuleLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		state:       h.state, // same pointer = shared mutex and cache
	}
}

// CloseModuleLog closes and removes a cached file handle for a module.
// Call this when a module is removed.
func (h *ModuleLogHandler) CloseModuleLog(module string) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if f, ok := h.state.fileCache[module]; ok {
		f.Close()
		delete(h.state.fileCache, module)
	}
}

// CloseAll closes all cached file handles.
// Call this during shutdown.
func (h *ModuleLogHandler) CloseAll() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	for id, f := range h.state.fileCache {
		f.Close()
		delete(h.state.fileCache, id)
	}
}
