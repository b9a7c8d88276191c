package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/autobuildd/internal/state"
)

func TestWatcherCoalescesBurstIntoOneBuild(t *testing.T) {
	store := newTestStore(t)
	queue := NewBuildQueue(store, newFakeRunner(store), nil, 1, 10)
	manager := NewWatchManager(store, queue, nil, 100*time.Millisecond)
	defer manager.Stop()

	projectDir := t.TempDir()
	configureProfile(t, store, "burst", projectDir, "true")
	require.NoError(t, manager.Enable("burst"))
	require.True(t, manager.Watching("burst"))

	// A rapid series of writes must settle into exactly one queue entry.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(projectDir, "main.go"),
			[]byte("package main\n"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		p, err := store.Get("burst")
		return err == nil && p.Status == state.StatusQueued
	}, 5*time.Second, 10*time.Millisecond)

	// Give any stray timer a chance to fire before counting.
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, queue.Depth())
}

func TestWatcherFlagsBusyProfileForRebuild(t *testing.T) {
	store := newTestStore(t)
	queue := NewBuildQueue(store, newFakeRunner(store), nil, 1, 10)
	manager := NewWatchManager(store, queue, nil, 50*time.Millisecond)
	defer manager.Stop()

	projectDir := t.TempDir()
	configureProfile(t, store, "busy", projectDir, "true")
	_, err := store.UpdateStatus("busy", state.StatusRunning, nil)
	require.NoError(t, err)
	require.NoError(t, manager.Enable("busy"))

	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "file.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		p, err := store.Get("busy")
		return err == nil && p.RebuildOnCompletion
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, queue.Depth())
}

func TestWatcherIgnoresGitDirectory(t *testing.T) {
	store := newTestStore(t)
	queue := NewBuildQueue(store, newFakeRunner(store), nil, 1, 10)
	manager := NewWatchManager(store, queue, nil, 50*time.Millisecond)
	defer manager.Stop()

	projectDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(projectDir, ".git"), 0o755))
	configureProfile(t, store, "repo", projectDir, "true")
	require.NoError(t, manager.Enable("repo"))

	require.NoError(t, os.WriteFile(filepath.Join(projectDir, ".git", "index"), []byte("x"), 0o644))

	time.Sleep(300 * time.Millisecond)
	p, err := store.Get("repo")
	require.NoError(t, err)
	require.Equal(t, state.StatusConfigured, p.Status)
	require.Equal(t, 0, queue.Depth())
}

func TestWatcherPicksUpNewSubdirectories(t *testing.T) {
	store := newTestStore(t)
	queue := NewBuildQueue(store, newFakeRunner(store), nil, 1, 10)
	manager := NewWatchManager(store, queue, nil, 100*time.Millisecond)
	defer manager.Stop()

	projectDir := t.TempDir()
	configureProfile(t, store, "nested", projectDir, "true")
	require.NoError(t, manager.Enable("nested"))

	subDir := filepath.Join(projectDir, "pkg")
	require.NoError(t, os.MkdirAll(subDir, 0o755))

	// The create itself triggers a build; wait for it, then reset.
	require.Eventually(t, func() bool {
		p, err := store.Get("nested")
		return err == nil && p.Status == state.StatusQueued
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, queue.CancelIfQueued("nested"))

	require.NoError(t, os.WriteFile(filepath.Join(subDir, "deep.go"), []byte("package pkg\n"), 0o644))

	require.Eventually(t, func() bool {
		p, err := store.Get("nested")
		return err == nil && p.Status == state.StatusQueued
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDisableStopsWatcherAndClearsFlag(t *testing.T) {
	store := newTestStore(t)
	queue := NewBuildQueue(store, newFakeRunner(store), nil, 1, 10)
	manager := NewWatchManager(store, queue, nil, 50*time.Millisecond)
	defer manager.Stop()

	projectDir := t.TempDir()
	configureProfile(t, store, "toggle", projectDir, "true")
	require.NoError(t, store.SetRebuildOnCompletion("toggle", true))
	require.NoError(t, manager.Enable("toggle"))

	manager.Disable("toggle")
	require.False(t, manager.Watching("toggle"))

	p, err := store.Get("toggle")
	require.NoError(t, err)
	require.False(t, p.RebuildOnCompletion)

	// Changes after disable never reach the queue.
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "late.txt"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 0, queue.Depth())
}
