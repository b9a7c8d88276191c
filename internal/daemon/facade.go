package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	buerrors "git.home.luguber.info/inful/autobuildd/internal/errors"
	"git.home.luguber.info/inful/autobuildd/internal/history"
	"git.home.luguber.info/inful/autobuildd/internal/state"
)

// Facade is the single entry point the external transport calls. It
// mediates all access to the store, queue, executor and watch manager so
// callers never touch internals directly.
type Facade struct {
	store    *state.Store
	queue    *BuildQueue
	executor *Executor
	watches  *WatchManager
	archive  *history.Store // optional
}

// NewFacade wires the orchestration surface. archive may be nil.
func NewFacade(store *state.Store, queue *BuildQueue, executor *Executor, watches *WatchManager, archive *history.Store) *Facade {
	return &Facade{
		store:    store,
		queue:    queue,
		executor: executor,
		watches:  watches,
		archive:  archive,
	}
}

// Configure creates or partially updates a profile. New profiles require a
// project path and build command; updates may omit either.
func (f *Facade) Configure(name string, cfg state.ProfileConfig) (*state.Profile, error) {
	if strings.TrimSpace(name) == "" {
		return nil, buerrors.ValidationFailed("profile_name", "must not be empty")
	}

	_, err := f.store.Get(name)
	creating := buerrors.Is(err, buerrors.CategoryNotFound)
	if err != nil && !creating {
		return nil, err
	}
	if creating {
		if cfg.ProjectPath == nil || strings.TrimSpace(*cfg.ProjectPath) == "" {
			return nil, buerrors.ValidationFailed("project_path", "required for a new profile")
		}
		if cfg.BuildCommand == nil || strings.TrimSpace(*cfg.BuildCommand) == "" {
			return nil, buerrors.ValidationFailed("build_command", "required for a new profile")
		}
	}

	return f.store.Upsert(name, cfg)
}

// SetAutobuild toggles file-change monitoring for the profile.
func (f *Facade) SetAutobuild(name string, enabled bool) (*state.Profile, error) {
	profile, err := f.store.SetAutobuild(name, enabled)
	if err != nil {
		return nil, err
	}
	if enabled {
		if err := f.watches.Enable(name); err != nil {
			// Roll the toggle back so persisted state matches reality.
			_, _ = f.store.SetAutobuild(name, false)
			return nil, err
		}
	} else {
		f.watches.Disable(name)
	}
	return profile, nil
}

// List returns all profiles with their last-known status.
func (f *Facade) List() []*state.Profile {
	return f.store.List()
}

// Status returns the profile's current status.
func (f *Facade) Status(name string) (state.Status, error) {
	profile, err := f.store.Get(name)
	if err != nil {
		return "", err
	}
	return profile.Status, nil
}

// Start admits a build request and returns its queue position.
func (f *Facade) Start(name string) (int, error) {
	return f.queue.Enqueue(name)
}

// Stop terminates the profile's running build. It fails with NotRunning
// for profiles that are not currently executing.
func (f *Facade) Stop(name string) error {
	profile, err := f.store.Get(name)
	if err != nil {
		return err
	}
	if profile.Status != state.StatusRunning {
		return buerrors.NotRunning(name, string(profile.Status))
	}
	return f.executor.Stop(name)
}

// Delete removes a profile, its watcher registration and any
// queued-but-not-started request.
func (f *Facade) Delete(name string) error {
	if _, err := f.store.Get(name); err != nil {
		return err
	}
	f.watches.Disable(name)
	f.queue.CancelIfQueued(name)
	return f.store.Delete(name)
}

// Log returns the referenced log file's content, or only its final
// tailLines lines when tailLines > 0.
func (f *Facade) Log(name string, tailLines int) (string, error) {
	profile, err := f.store.Get(name)
	if err != nil {
		return "", err
	}
	if profile.LastRun == nil {
		return "", nil
	}

	logPath := profile.LastRun.LogFile
	if !filepath.IsAbs(logPath) {
		logPath = filepath.Join(f.store.DataDir(), logPath)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read build log: %w", err)
	}

	content := string(data)
	if tailLines <= 0 {
		return content, nil
	}
	return tail(content, tailLines), nil
}

// History returns archived terminal runs, newest first. Without an archive
// it returns an empty slice.
func (f *Facade) History(ctx context.Context, name string, limit int) ([]history.Entry, error) {
	if _, err := f.store.Get(name); err != nil {
		return nil, err
	}
	if f.archive == nil {
		return nil, nil
	}
	return f.archive.ForProfile(ctx, name, limit)
}

// tail returns the final n lines of content.
func tail(content string, n int) string {
	trimmed := strings.TrimRight(content, "\n")
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n"
}
