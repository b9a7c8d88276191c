package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	buerrors "git.home.luguber.info/inful/autobuildd/internal/errors"
	"git.home.luguber.info/inful/autobuildd/internal/gitinfo"
	"git.home.luguber.info/inful/autobuildd/internal/history"
	"git.home.luguber.info/inful/autobuildd/internal/logfields"
	"git.home.luguber.info/inful/autobuildd/internal/metrics"
	"git.home.luguber.info/inful/autobuildd/internal/notify"
	"git.home.luguber.info/inful/autobuildd/internal/state"
)

const (
	logsDirName     = "logs"
	stopGracePeriod = 5 * time.Second
)

// processHandle exclusively owns one live build process for the duration
// of its run.
type processHandle struct {
	runID         string
	cmd           *exec.Cmd
	stopRequested atomic.Bool
	timedOut      atomic.Bool
}

// Executor owns the lifecycle of running build commands: spawn, stream
// capture to a per-run log file, exit accounting. It is only invoked by
// queue workers that already hold a slot.
type Executor struct {
	store    *state.Store
	rec      metrics.Recorder
	notifier *notify.Publisher
	archive  *history.Store // optional

	mu      sync.Mutex
	handles map[string]*processHandle // keyed by profile name
}

// NewExecutor creates the process executor. notifier and archive may be nil.
func NewExecutor(store *state.Store, rec metrics.Recorder, notifier *notify.Publisher, archive *history.Store) *Executor {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Executor{
		store:    store,
		rec:      rec,
		notifier: notifier,
		archive:  archive,
		handles:  make(map[string]*processHandle),
	}
}

// Execute runs the profile's build command to completion and records the
// terminal outcome in the store. The returned record reflects the final
// state; the error is non-nil only when state persistence itself failed.
func (e *Executor) Execute(ctx context.Context, profile *state.Profile) (*state.RunRecord, error) {
	runID := uuid.NewString()
	relLog := filepath.Join(logsDirName, runID+".log")
	absLog := filepath.Join(e.store.DataDir(), relLog)

	if err := os.MkdirAll(filepath.Dir(absLog), 0o755); err != nil {
		return e.recordSpawnFailure(profile, runID, relLog, err)
	}
	logFile, err := os.Create(absLog)
	if err != nil {
		return e.recordSpawnFailure(profile, runID, relLog, err)
	}

	cmd := exec.Command("sh", "-c", profile.BuildCommand)
	cmd.Dir = profile.ProjectPath
	cmd.Env = mergedEnvironment(profile)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so Stop can signal the whole build tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		spawnErr := buerrors.SpawnFailure(profile.Name, err)
		fmt.Fprintf(logFile, "spawn failed: %v\n", err)
		_ = logFile.Close()
		return e.recordSpawnFailure(profile, runID, relLog, spawnErr)
	}

	record := &state.RunRecord{
		ID:        runID,
		PID:       cmd.Process.Pid,
		StartTime: start,
		LogFile:   relLog,
		Commit:    gitinfo.HeadCommit(profile.ProjectPath),
	}

	// The running record must be visible before the process produces any
	// observable state, so status and log queries are accurate in flight.
	if _, err := e.store.UpdateStatus(profile.Name, state.StatusRunning, func(p *state.Profile) {
		p.LastRun = record
	}); err != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
		_ = logFile.Close()
		return nil, err
	}

	handle := &processHandle{runID: runID, cmd: cmd}
	e.mu.Lock()
	e.handles[profile.Name] = handle
	e.mu.Unlock()

	slog.Info("Build started",
		logfields.Profile(profile.Name),
		logfields.RunID(runID),
		logfields.PID(cmd.Process.Pid),
		logfields.Command(profile.BuildCommand))
	e.notifier.BuildStarted(profile.Name, runID)

	var deadline *time.Timer
	if profile.TimeoutSeconds > 0 {
		pid := cmd.Process.Pid
		deadline = time.AfterFunc(time.Duration(profile.TimeoutSeconds)*time.Second, func() {
			handle.timedOut.Store(true)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		})
	}

	// A daemon shutdown tears the build down rather than orphaning it.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		case <-waitDone:
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)
	if deadline != nil {
		deadline.Stop()
	}

	// Flush output before the terminal status becomes observable.
	_ = logFile.Sync()
	_ = logFile.Close()

	e.mu.Lock()
	delete(e.handles, profile.Name)
	e.mu.Unlock()

	end := time.Now().UTC()
	status, exitCode, note := classifyExit(handle, cmd, waitErr, profile.TimeoutSeconds)

	record.EndTime = &end
	record.ExitCode = exitCode
	record.OutcomeNote = note

	final, err := e.store.UpdateStatus(profile.Name, status, func(p *state.Profile) {
		p.LastRun = record.Clone()
	})
	if err != nil {
		if buerrors.Is(err, buerrors.CategoryNotFound) {
			// Profile was deleted mid-run; the run completed into the void.
			slog.Warn("Profile vanished before build completion",
				logfields.Profile(profile.Name),
				logfields.RunID(runID))
			return record, nil
		}
		return nil, err
	}

	duration := end.Sub(start)
	e.rec.IncBuildOutcome(string(status))
	e.rec.ObserveBuildDuration(duration)
	e.notifier.BuildFinished(profile.Name, runID, string(status))
	e.archiveRun(profile.Name, final.LastRun, status)

	slog.Info("Build finished",
		logfields.Profile(profile.Name),
		logfields.RunID(runID),
		logfields.Status(string(status)),
		logfields.DurationMS(float64(duration.Milliseconds())))
	return final.LastRun, nil
}

// Stop sends SIGTERM to the live process group of the profile's running
// build and escalates to SIGKILL after a grace period. If the process has
// already exited, the natural exit result wins and Stop reports success.
func (e *Executor) Stop(name string) error {
	e.mu.Lock()
	handle, ok := e.handles[name]
	e.mu.Unlock()
	if !ok {
		p, err := e.store.Get(name)
		if err != nil {
			return err
		}
		return buerrors.NotRunning(name, string(p.Status))
	}

	handle.stopRequested.Store(true)
	pid := handle.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// ESRCH means the process exited concurrently; not an error.
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("signal build process group %d: %w", pid, err)
	}

	slog.Info("Stop requested", logfields.Profile(name), logfields.RunID(handle.runID), logfields.PID(pid))

	time.AfterFunc(stopGracePeriod, func() {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	})
	return nil
}

// RunningCount reports live processes tracked by the executor.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

func (e *Executor) recordSpawnFailure(profile *state.Profile, runID, relLog string, cause error) (*state.RunRecord, error) {
	now := time.Now().UTC()
	record := &state.RunRecord{
		ID:          runID,
		StartTime:   now,
		EndTime:     &now,
		LogFile:     relLog,
		OutcomeNote: cause.Error(),
	}

	slog.Error("Build spawn failed",
		logfields.Profile(profile.Name),
		logfields.RunID(runID),
		logfields.Error(cause))

	final, err := e.store.UpdateStatus(profile.Name, state.StatusFailed, func(p *state.Profile) {
		p.LastRun = record.Clone()
	})
	if err != nil {
		return nil, err
	}
	e.rec.IncBuildOutcome(string(state.StatusFailed))
	e.archiveRun(profile.Name, final.LastRun, state.StatusFailed)
	return final.LastRun, nil
}

func (e *Executor) archiveRun(name string, record *state.RunRecord, status state.Status) {
	if e.archive == nil || record == nil || record.EndTime == nil {
		return
	}
	entry := history.Entry{
		RunID:       record.ID,
		Profile:     name,
		Status:      string(status),
		StartTime:   record.StartTime,
		EndTime:     *record.EndTime,
		ExitCode:    record.ExitCode,
		Commit:      record.Commit,
		LogFile:     record.LogFile,
		OutcomeNote: record.OutcomeNote,
	}
	if err := e.archive.Append(context.Background(), entry); err != nil {
		slog.Warn("Failed to archive run", logfields.RunID(record.ID), logfields.Error(err))
	}
}

// classifyExit maps a completed process to its terminal status, exit code
// and outcome note.
func classifyExit(handle *processHandle, cmd *exec.Cmd, waitErr error, timeoutSeconds int) (state.Status, *int, string) {
	if waitErr == nil {
		code := 0
		return state.StatusSucceeded, &code, ""
	}

	exitCode := cmd.ProcessState.ExitCode()
	if handle.timedOut.Load() {
		return state.StatusFailed, nil, fmt.Sprintf("build exceeded its %ds timeout and was killed", timeoutSeconds)
	}
	if handle.stopRequested.Load() && exitCode < 0 {
		// Killed by our signal before a natural exit.
		return state.StatusStopped, nil, "build terminated by stop request"
	}
	if exitCode >= 0 {
		code := exitCode
		return state.StatusFailed, &code, ""
	}
	return state.StatusFailed, nil, fmt.Sprintf("build process terminated abnormally: %v", waitErr)
}

// mergedEnvironment layers the profile's overrides over the project's .env
// file (when present) over the daemon's own environment.
func mergedEnvironment(profile *state.Profile) []string {
	merged := map[string]string{}
	if dotenv, err := godotenv.Read(filepath.Join(profile.ProjectPath, ".env")); err == nil {
		for k, v := range dotenv {
			merged[k] = v
		}
	}
	for k, v := range profile.Environment {
		merged[k] = v
	}

	env := os.Environ()
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}
