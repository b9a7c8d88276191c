package daemon

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	buerrors "git.home.luguber.info/inful/autobuildd/internal/errors"
	"git.home.luguber.info/inful/autobuildd/internal/logfields"
	"git.home.luguber.info/inful/autobuildd/internal/metrics"
	"git.home.luguber.info/inful/autobuildd/internal/state"
)

// WatchManager owns one file monitor per autobuild-enabled profile. Each
// monitor observes the profile's project path recursively and coalesces
// event bursts through a debounce window before requesting a build.
type WatchManager struct {
	store    *state.Store
	queue    *BuildQueue
	rec      metrics.Recorder
	debounce time.Duration

	mu       sync.Mutex
	watchers map[string]*profileWatcher
}

// NewWatchManager creates the manager. debounce is the quiet window after
// the last observed change.
func NewWatchManager(store *state.Store, queue *BuildQueue, rec metrics.Recorder, debounce time.Duration) *WatchManager {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &WatchManager{
		store:    store,
		queue:    queue,
		rec:      rec,
		debounce: debounce,
		watchers: make(map[string]*profileWatcher),
	}
}

// Enable starts (or restarts) the monitor for the named profile.
func (m *WatchManager) Enable(name string) error {
	profile, err := m.store.Get(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.watchers[name]; ok {
		existing.stop()
	}

	w, err := newProfileWatcher(profile.Name, profile.ProjectPath, m.debounce, m.onSettle)
	if err != nil {
		return err
	}
	m.watchers[name] = w

	slog.Info("Autobuild watcher enabled",
		logfields.Profile(name), logfields.Path(profile.ProjectPath))
	return nil
}

// Disable stops the monitor and clears the rebuild flag. An already-queued
// build is left alone.
func (m *WatchManager) Disable(name string) {
	m.mu.Lock()
	if w, ok := m.watchers[name]; ok {
		w.stop()
		delete(m.watchers, name)
	}
	m.mu.Unlock()

	if err := m.store.SetRebuildOnCompletion(name, false); err != nil && !buerrors.Is(err, buerrors.CategoryNotFound) {
		slog.Warn("Failed to clear rebuild flag", logfields.Profile(name), logfields.Error(err))
	}
	slog.Info("Autobuild watcher disabled", logfields.Profile(name))
}

// Watching reports whether a monitor is active for the profile.
func (m *WatchManager) Watching(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[name]
	return ok
}

// Stop tears down all monitors.
func (m *WatchManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, w := range m.watchers {
		w.stop()
		delete(m.watchers, name)
	}
}

// onSettle fires when a profile's debounce window elapses with no further
// events: idle profiles get a queue admission, busy ones are flagged for
// rebuild once the current run completes.
func (m *WatchManager) onSettle(name string) {
	m.rec.IncDebounceTrigger()

	profile, err := m.store.Get(name)
	if err != nil {
		// Profile deleted; manager cleanup races the last timer fire.
		return
	}

	if profile.Status.Busy() {
		if err := m.store.SetRebuildOnCompletion(name, true); err != nil {
			slog.Warn("Failed to set rebuild flag", logfields.Profile(name), logfields.Error(err))
			return
		}
		slog.Info("Change detected while busy, rebuild scheduled on completion",
			logfields.Profile(name), logfields.Status(string(profile.Status)))
		return
	}

	if _, err := m.queue.Enqueue(name); err != nil {
		if buerrors.Is(err, buerrors.CategoryAlreadyBusy) {
			// Raced a manual start; the pending build already covers this change.
			return
		}
		slog.Warn("Autobuild enqueue failed", logfields.Profile(name), logfields.Error(err))
		return
	}
	slog.Info("Autobuild triggered", logfields.Profile(name))
}

// profileWatcher is one recursive monitor plus its debounce timer.
type profileWatcher struct {
	profile  string
	root     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	settle   func(profile string)

	stopOnce sync.Once
	stopChan chan struct{}
}

func newProfileWatcher(profile, root string, debounce time.Duration, settle func(string)) (*profileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, buerrors.Wrap(err, buerrors.CategoryRuntime, "failed to create file watcher")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		_ = watcher.Close()
		return nil, buerrors.Wrap(err, buerrors.CategoryRuntime, "failed to resolve project path").
			WithContext("path", root)
	}

	w := &profileWatcher{
		profile:  profile,
		root:     absRoot,
		watcher:  watcher,
		debounce: debounce,
		settle:   settle,
		stopChan: make(chan struct{}),
	}

	if err := w.addRecursive(absRoot); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// addRecursive registers the directory tree under root. The .git directory
// is skipped so commits and index churn never trigger builds.
func (w *profileWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return buerrors.Wrap(err, buerrors.CategoryRuntime, "failed to watch directory").
				WithContext("path", path)
		}
		return nil
	})
}

func (w *profileWatcher) loop() {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}

			// New directories join the watch so nested changes keep arriving.
			if event.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					_ = w.addRecursive(event.Name)
				}
			}

			// Every event restarts the quiet window rather than stacking
			// separate triggers; a burst settles into one build request.
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case <-w.stopChan:
				default:
					w.settle(w.profile)
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", logfields.Profile(w.profile), logfields.Error(err))
		}
	}
}

// relevant filters to create/write/remove/rename events outside .git.
func (w *profileWatcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	for _, part := range strings.Split(event.Name, string(filepath.Separator)) {
		if part == ".git" {
			return false
		}
	}
	return true
}

func (w *profileWatcher) stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		_ = w.watcher.Close()
	})
}
