// Package session owns the per-session project-context bindings and the
// lifecycle of each session's watcher, grounded on the guarded-map idiom in
// JeffreyRichter-MCP/mcpsvr/resources/localresources/store.go.
package session

import (
	"log/slog"
	"sync"

	"github.com/graphmcp/server/internal/model"
)

// emptySessionID is the key used for the process-wide default binding.
const emptySessionID = ""

// Watcher is the narrow lifecycle surface the Manager needs from a running
// filesystem watcher; satisfied by *watcher.Watcher.
type Watcher interface {
	Stop() error
}

// Manager implements: per-session ProjectContext binding with a
// process-wide default, plus best-effort watcher teardown on cleanup.
type Manager struct {
	mu       sync.RWMutex
	bindings map[string]model.ProjectContext
	watchers map[string]Watcher
	log      *slog.Logger
}

// New returns a Manager with no bindings and no watchers registered.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		bindings: map[string]model.ProjectContext{},
		watchers: map[string]Watcher{},
		log:      log,
	}
}

// sessionKey normalizes an empty session id to the default key so unbound
// sessions and the process-wide default share a single map slot.
func sessionKey(sessionID string) string { return sessionID }

// GetActiveProjectContext returns the context bound to sessionID, falling
// back to the process-wide default (bound under the empty session id) if
// sessionID is empty or has no binding of its own.
func (m *Manager) GetActiveProjectContext(sessionID string) (model.ProjectContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sessionID != emptySessionID {
		if pc, ok := m.bindings[sessionKey(sessionID)]; ok {
			return pc, true
		}
	}
	pc, ok := m.bindings[emptySessionID]
	return pc, ok
}

// SetActiveProjectContext stores pc for sessionID, or updates the
// process-wide default when sessionID is empty.
func (m *Manager) SetActiveProjectContext(sessionID string, pc model.ProjectContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[sessionKey(sessionID)] = pc
}

// RegisterWatcher records the active watcher for sessionID, stopping and
// replacing any watcher already registered for that key: at most one
// watcher per session-key.
func (m *Manager) RegisterWatcher(sessionID string, w Watcher) {
	m.mu.Lock()
	prev, had := m.watchers[sessionKey(sessionID)]
	m.watchers[sessionKey(sessionID)] = w
	m.mu.Unlock()

	if had && prev != nil {
		if err := prev.Stop(); err != nil {
			m.log.Warn("replaced watcher failed to stop cleanly", "session", sessionID, "error", err)
		}
	}
}

// CleanupSession stops sessionID's watcher (tolerating a failing Stop) and
// removes both its watcher registration and its project-context binding.
func (m *Manager) CleanupSession(sessionID string) {
	m.mu.Lock()
	w, hasWatcher := m.watchers[sessionKey(sessionID)]
	delete(m.watchers, sessionKey(sessionID))
	delete(m.bindings, sessionKey(sessionID))
	m.mu.Unlock()

	if hasWatcher && w != nil {
		if err := w.Stop(); err != nil {
			m.log.Warn("session cleanup: watcher stop failed", "session", sessionID, "error", err)
		}
	}
}

// CleanupAllSessions stops every registered watcher best-effort (failures
// logged, never propagated) and clears both maps.
func (m *Manager) CleanupAllSessions() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = map[string]Watcher{}
	m.bindings = map[string]model.ProjectContext{}
	m.mu.Unlock()

	for sessionID, w := range watchers {
		if w == nil {
			continue
		}
		if err := w.Stop(); err != nil {
			m.log.Warn("cleanup all sessions: watcher stop failed", "session", sessionID, "error", err)
		}
	}
}

// HasWatcher reports whether sessionID currently has a registered watcher;
// used by tests asserting the "no watcher after cleanup" invariant.
func (m *Manager) HasWatcher(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.watchers[sessionKey(sessionID)]
	return ok
}

// HasBinding reports whether sessionID currently has a project-context
// binding of its own (not counting the process-wide default).
func (m *Manager) HasBinding(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bindings[sessionKey(sessionID)]
	return ok
}
