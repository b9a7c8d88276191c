package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	buerrors "git.home.luguber.info/inful/autobuildd/internal/errors"
	"git.home.luguber.info/inful/autobuildd/internal/logfields"
	"git.home.luguber.info/inful/autobuildd/internal/metrics"
	"git.home.luguber.info/inful/autobuildd/internal/state"
)

// runner executes one build for a profile; satisfied by *Executor.
type runner interface {
	Execute(ctx context.Context, profile *state.Profile) (*state.RunRecord, error)
}

// BuildQueue admits build requests in strict FIFO order across profiles,
// bounded by a fixed number of worker slots. A profile may hold at most
// one outstanding entry: a second request while queued or running is
// rejected with AlreadyBusy.
type BuildQueue struct {
	store   *state.Store
	runner  runner
	rec     metrics.Recorder
	slots   int
	maxSize int

	mu      sync.Mutex
	pending []string                // FIFO of profile names
	prior   map[string]state.Status // status to revert to on cancel
	running int

	notify   chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewBuildQueue creates a queue with the specified slot count and pending capacity.
func NewBuildQueue(store *state.Store, r runner, rec metrics.Recorder, slots, maxSize int) *BuildQueue {
	if slots <= 0 {
		slots = 2
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &BuildQueue{
		store:    store,
		runner:   r,
		rec:      rec,
		slots:    slots,
		maxSize:  maxSize,
		prior:    make(map[string]state.Status),
		notify:   make(chan struct{}, maxSize),
		stopChan: make(chan struct{}),
	}
}

// Start launches the worker pool.
func (q *BuildQueue) Start(ctx context.Context) {
	slog.Info("Starting build queue", "slots", q.slots, "max_size", q.maxSize)
	for i := 0; i < q.slots; i++ {
		q.wg.Add(1)
		go q.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Stop shuts the pool down and waits for in-flight builds to finish.
// Build processes themselves are torn down through the worker context.
func (q *BuildQueue) Stop() {
	slog.Info("Stopping build queue")
	close(q.stopChan)
	q.wg.Wait()
	slog.Info("Build queue stopped")
}

// Enqueue admits a build request for the named profile and returns its
// 1-based position in the pending queue.
func (q *BuildQueue) Enqueue(name string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	profile, err := q.store.Get(name)
	if err != nil {
		return 0, err
	}
	if profile.Status.Busy() {
		return 0, buerrors.AlreadyBusy(name, string(profile.Status))
	}
	if len(q.pending) >= q.maxSize {
		return 0, buerrors.New(buerrors.CategoryRuntime, "build queue is full").
			WithContext("capacity", q.maxSize)
	}

	if _, err := q.store.UpdateStatus(name, state.StatusQueued, nil); err != nil {
		return 0, err
	}

	q.prior[name] = profile.Status
	q.pending = append(q.pending, name)
	position := len(q.pending)

	q.rec.IncEnqueued()
	q.rec.SetQueueDepth(len(q.pending))

	select {
	case q.notify <- struct{}{}:
	default:
		// notify capacity matches maxSize, so this cannot drop a token.
	}

	slog.Info("Build enqueued", logfields.Profile(name), logfields.QueuePos(position))
	return position, nil
}

// CancelIfQueued removes a not-yet-dispatched entry and reverts the
// profile to its prior status. It returns false once dispatch has begun.
func (q *BuildQueue) CancelIfQueued(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, pending := range q.pending {
		if pending == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	prior := q.prior[name]
	delete(q.prior, name)
	q.rec.SetQueueDepth(len(q.pending))

	if _, err := q.store.UpdateStatus(name, prior, nil); err != nil && !buerrors.Is(err, buerrors.CategoryNotFound) {
		slog.Warn("Failed to revert status for cancelled entry",
			logfields.Profile(name), logfields.Error(err))
	}
	slog.Info("Queued build cancelled", logfields.Profile(name))
	return true
}

// Depth returns the number of pending (not yet dispatched) entries.
func (q *BuildQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running returns the number of builds currently occupying a slot.
func (q *BuildQueue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *BuildQueue) worker(ctx context.Context, workerID string) {
	defer q.wg.Done()

	slog.Debug("Build worker started", "worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Build worker stopped by context", "worker_id", workerID)
			return
		case <-q.stopChan:
			slog.Debug("Build worker stopped by stop signal", "worker_id", workerID)
			return
		case <-q.notify:
			q.dispatchNext(ctx, workerID)
		}
	}
}

// dispatchNext pops the FIFO head and runs it to completion on this worker.
func (q *BuildQueue) dispatchNext(ctx context.Context, workerID string) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		// Token outlived its entry (cancelled); nothing to do.
		q.mu.Unlock()
		return
	}
	name := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.prior, name)
	q.running++
	q.mu.Unlock()

	q.rec.SetQueueDepth(q.Depth())
	q.rec.SetRunning(q.Running())

	defer func() {
		q.mu.Lock()
		q.running--
		q.mu.Unlock()
		q.rec.SetRunning(q.Running())
	}()

	profile, err := q.store.Get(name)
	if err != nil {
		// Deleted while queued but before the cancel reached us.
		slog.Warn("Skipping dispatch for missing profile", logfields.Profile(name), logfields.Error(err))
		return
	}

	slog.Info("Dispatching build", logfields.Profile(name), "worker", workerID)
	if _, err := q.runner.Execute(ctx, profile); err != nil {
		slog.Error("Build execution failed to record state",
			logfields.Profile(name), logfields.Error(err))
	}

	q.afterCompletion(name)
}

// afterCompletion re-enqueues the profile when an autobuild trigger fired
// while the build was busy.
func (q *BuildQueue) afterCompletion(name string) {
	set, err := q.store.ClearRebuildIfSet(name)
	if err != nil {
		if !buerrors.Is(err, buerrors.CategoryNotFound) {
			slog.Warn("Failed to check rebuild flag", logfields.Profile(name), logfields.Error(err))
		}
		return
	}
	if !set {
		return
	}

	q.rec.IncRebuildOnCompletion()
	slog.Info("Rebuild-on-completion fired", logfields.Profile(name))
	if _, err := q.Enqueue(name); err != nil {
		slog.Warn("Failed to re-enqueue after completion", logfields.Profile(name), logfields.Error(err))
	}
}
