package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	buerrors "git.home.luguber.info/inful/autobuildd/internal/errors"
	"git.home.luguber.info/inful/autobuildd/internal/state"
)

// fakeRunner mimics the executor's status transitions without spawning
// processes. Builds block on release so tests control completion order.
type fakeRunner struct {
	store   *state.Store
	release chan struct{}

	mu         sync.Mutex
	order      []string
	concurrent int
	peak       int
}

func newFakeRunner(store *state.Store) *fakeRunner {
	return &fakeRunner{store: store, release: make(chan struct{})}
}

func (r *fakeRunner) Execute(ctx context.Context, profile *state.Profile) (*state.RunRecord, error) {
	r.mu.Lock()
	r.order = append(r.order, profile.Name)
	r.concurrent++
	if r.concurrent > r.peak {
		r.peak = r.concurrent
	}
	r.mu.Unlock()

	if _, err := r.store.UpdateStatus(profile.Name, state.StatusRunning, nil); err != nil {
		return nil, err
	}

	select {
	case <-r.release:
	case <-ctx.Done():
	}

	r.mu.Lock()
	r.concurrent--
	r.mu.Unlock()

	if _, err := r.store.UpdateStatus(profile.Name, state.StatusSucceeded, nil); err != nil {
		return nil, err
	}
	return &state.RunRecord{}, nil
}

func (r *fakeRunner) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *fakeRunner) peakConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func TestEnqueueAssignsFIFOPositions(t *testing.T) {
	store := newTestStore(t)
	queue := NewBuildQueue(store, newFakeRunner(store), nil, 1, 10)

	for i, name := range []string{"a", "b", "c"} {
		configureProfile(t, store, name, t.TempDir(), "true")
		pos, err := queue.Enqueue(name)
		require.NoError(t, err)
		require.Equal(t, i+1, pos)
	}
	require.Equal(t, 3, queue.Depth())

	for _, name := range []string{"a", "b", "c"} {
		p, err := store.Get(name)
		require.NoError(t, err)
		require.Equal(t, state.StatusQueued, p.Status)
	}
}

func TestEnqueueRejectsBusyProfile(t *testing.T) {
	store := newTestStore(t)
	queue := NewBuildQueue(store, newFakeRunner(store), nil, 1, 10)

	configureProfile(t, store, "solo", t.TempDir(), "true")
	_, err := queue.Enqueue("solo")
	require.NoError(t, err)

	_, err = queue.Enqueue("solo")
	require.Error(t, err)
	require.True(t, buerrors.Is(err, buerrors.CategoryAlreadyBusy))
}

func TestEnqueueUnknownProfile(t *testing.T) {
	store := newTestStore(t)
	queue := NewBuildQueue(store, newFakeRunner(store), nil, 1, 10)

	_, err := queue.Enqueue("nobody")
	require.Error(t, err)
	require.True(t, buerrors.Is(err, buerrors.CategoryNotFound))
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	store := newTestStore(t)
	queue := NewBuildQueue(store, newFakeRunner(store), nil, 1, 2)

	for _, name := range []string{"a", "b"} {
		configureProfile(t, store, name, t.TempDir(), "true")
		_, err := queue.Enqueue(name)
		require.NoError(t, err)
	}

	configureProfile(t, store, "c", t.TempDir(), "true")
	_, err := queue.Enqueue("c")
	require.Error(t, err)
	require.True(t, buerrors.Is(err, buerrors.CategoryRuntime))

	// Rejection leaves the profile untouched.
	p, err := store.Get("c")
	require.NoError(t, err)
	require.Equal(t, state.StatusConfigured, p.Status)
}

func TestWorkersDispatchInOrder(t *testing.T) {
	store := newTestStore(t)
	runner := newFakeRunner(store)
	queue := NewBuildQueue(store, runner, nil, 1, 10)

	names := []string{"first", "second", "third"}
	for _, name := range names {
		configureProfile(t, store, name, t.TempDir(), "true")
		_, err := queue.Enqueue(name)
		require.NoError(t, err)
	}

	queue.Start(t.Context())
	defer queue.Stop()
	close(runner.release)

	require.Eventually(t, func() bool {
		return len(runner.executed()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, names, runner.executed())
}

func TestWorkersRespectSlotBound(t *testing.T) {
	store := newTestStore(t)
	runner := newFakeRunner(store)
	queue := NewBuildQueue(store, runner, nil, 2, 10)

	for _, name := range []string{"a", "b", "c", "d"} {
		configureProfile(t, store, name, t.TempDir(), "true")
		_, err := queue.Enqueue(name)
		require.NoError(t, err)
	}

	queue.Start(t.Context())
	defer queue.Stop()

	require.Eventually(t, func() bool {
		return runner.peakConcurrency() == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, queue.Running())
	require.Equal(t, 2, queue.Depth())

	close(runner.release)
	require.Eventually(t, func() bool {
		return len(runner.executed()) == 4
	}, 5*time.Second, 10*time.Millisecond)
	require.LessOrEqual(t, runner.peakConcurrency(), 2)
}

func TestCancelIfQueuedRevertsStatus(t *testing.T) {
	store := newTestStore(t)
	queue := NewBuildQueue(store, newFakeRunner(store), nil, 1, 10)

	configureProfile(t, store, "undo", t.TempDir(), "true")
	_, err := queue.Enqueue("undo")
	require.NoError(t, err)

	require.True(t, queue.CancelIfQueued("undo"))
	require.Equal(t, 0, queue.Depth())

	p, err := store.Get("undo")
	require.NoError(t, err)
	require.Equal(t, state.StatusConfigured, p.Status)

	// Nothing left to cancel.
	require.False(t, queue.CancelIfQueued("undo"))
}

func TestCancelledTokenIsHarmless(t *testing.T) {
	store := newTestStore(t)
	runner := newFakeRunner(store)
	queue := NewBuildQueue(store, runner, nil, 1, 10)

	configureProfile(t, store, "gone", t.TempDir(), "true")
	_, err := queue.Enqueue("gone")
	require.NoError(t, err)
	require.True(t, queue.CancelIfQueued("gone"))

	configureProfile(t, store, "kept", t.TempDir(), "true")
	_, err = queue.Enqueue("kept")
	require.NoError(t, err)

	queue.Start(t.Context())
	defer queue.Stop()
	close(runner.release)

	require.Eventually(t, func() bool {
		return len(runner.executed()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"kept"}, runner.executed())
}

func TestRebuildOnCompletionReenqueues(t *testing.T) {
	store := newTestStore(t)
	runner := newFakeRunner(store)
	queue := NewBuildQueue(store, runner, nil, 1, 10)

	configureProfile(t, store, "again", t.TempDir(), "true")
	_, err := queue.Enqueue("again")
	require.NoError(t, err)
	require.NoError(t, store.SetRebuildOnCompletion("again", true))

	queue.Start(t.Context())
	defer queue.Stop()
	close(runner.release)

	// The completed build sees the pending flag and runs once more.
	require.Eventually(t, func() bool {
		return len(runner.executed()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"again", "again"}, runner.executed())

	p, err := store.Get("again")
	require.NoError(t, err)
	require.False(t, p.RebuildOnCompletion)
}
