// Package watcher implements the per-session filesystem watcher:
// fsnotify-driven raw events coalesced into debounced batches and
// delivered to a callback. Grounded on fsnotify's own recommended usage
// pattern (a single goroutine draining Events/Errors) since none of the
// retrieved repos watch the filesystem themselves.
package watcher

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/graphmcp/server/internal/model"
)

// Batch is what the callback receives once a run of changes has quiesced.
type Batch struct {
	ProjectID     string
	WorkspaceRoot string
	SourceDir     string
	ChangedFiles  []string
}

// Callback is invoked with a coalesced batch of changes.
type Callback func(Batch)

// Watcher watches SourceDir for a single project/session and debounces raw
// fsnotify events into batches.
type Watcher struct {
	projectID     string
	workspaceRoot string
	sourceDir     string
	debounce      time.Duration
	ignore        []string
	callback      Callback
	log           *slog.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}

	mu    sync.Mutex
	phase model.WatcherPhase
}

// New starts a watcher rooted at sourceDir, configured with
// {workspaceRoot, sourceDir, projectId, debounceMs, ignorePatterns}.
func New(projectID, workspaceRoot, sourceDir string, debounce time.Duration, ignorePatterns []string, cb Callback, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		projectID:     projectID,
		workspaceRoot: workspaceRoot,
		sourceDir:     sourceDir,
		debounce:      debounce,
		ignore:        ignorePatterns,
		callback:      cb,
		log:           log,
		fsw:           fsw,
		done:          make(chan struct{}),
		phase:         model.WatcherNotStarted,
	}
	if err := w.addRecursive(sourceDir); err != nil {
		fsw.Close()
		return nil, err
	}
	w.setPhase(model.WatcherIdle)
	go w.loop()
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pat := range w.ignore {
		if pat != "" && base == pat {
			return true
		}
	}
	return false
}

func (w *Watcher) setPhase(p model.WatcherPhase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

// Phase reports the watcher's current lifecycle phase.
func (w *Watcher) Phase() model.WatcherPhase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *Watcher) loop() {
	pending := map[string]struct{}{}
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		files := make([]string, 0, len(pending))
		for f := range pending {
			files = append(files, f)
		}
		pending = map[string]struct{}{}
		w.setPhase(model.WatcherIdle)
		w.callback(Batch{
			ProjectID:     w.projectID,
			WorkspaceRoot: w.workspaceRoot,
			SourceDir:     w.sourceDir,
			ChangedFiles:  files,
		})
	}

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.ignoredByPathSegment(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			w.setPhase(model.WatcherCoalescing)
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
		case <-timerC:
			timerC = nil
			flush()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "project", w.projectID, "error", err)
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) ignoredByPathSegment(path string) bool {
	segments := strings.Split(filepath.ToSlash(path), "/")
	for _, seg := range segments {
		for _, pat := range w.ignore {
			if pat != "" && seg == pat {
				return true
			}
		}
	}
	return false
}

// Stop terminates the watcher's goroutine and releases the underlying
// fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsw.Close()
}
