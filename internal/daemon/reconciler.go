package daemon

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"git.home.luguber.info/inful/autobuildd/internal/logfields"
	"git.home.luguber.info/inful/autobuildd/internal/state"
)

// Reconcile repairs state left inconsistent by an uncontrolled shutdown.
// It runs exactly once, synchronously, before the daemon accepts calls:
// every persisted running profile whose recorded pid no longer exists
// transitions to unknown. Profiles that were still queued are resolved the
// same way, since queue order is not persisted and nothing is auto-requeued.
// Returns the number of profiles repaired.
func Reconcile(store *state.Store) (int, error) {
	repaired := 0
	now := time.Now().UTC()

	for _, profile := range store.List() {
		switch profile.Status {
		case state.StatusRunning:
			if profile.LastRun != nil && pidAlive(profile.LastRun.PID) {
				// Best effort: an id match is treated as the same build.
				slog.Info("Found live build process from previous daemon instance",
					logfields.Profile(profile.Name),
					logfields.PID(profile.LastRun.PID))
				continue
			}
			pid := 0
			if profile.LastRun != nil {
				pid = profile.LastRun.PID
			}
			note := fmt.Sprintf("daemon restarted while this build was running; process %d no longer exists", pid)
			if _, err := store.UpdateStatus(profile.Name, state.StatusUnknown, func(p *state.Profile) {
				if p.LastRun != nil && p.LastRun.EndTime == nil {
					end := now
					p.LastRun.EndTime = &end
					p.LastRun.OutcomeNote = note
				}
			}); err != nil {
				return repaired, err
			}
			repaired++
			slog.Warn("Reconciled orphaned build",
				logfields.Profile(profile.Name),
				logfields.PID(pid),
				logfields.Status(string(state.StatusUnknown)))

		case state.StatusQueued:
			if _, err := store.UpdateStatus(profile.Name, state.StatusUnknown, nil); err != nil {
				return repaired, err
			}
			repaired++
			slog.Warn("Reconciled stale queued entry",
				logfields.Profile(profile.Name),
				logfields.Status(string(state.StatusUnknown)))
		}
	}

	if repaired > 0 {
		slog.Info("Restart reconciliation complete", "repaired", repaired)
	}
	return repaired, nil
}

// pidAlive probes for a live process with signal 0. EPERM still means the
// pid exists. False negatives are acceptable; false positives only delay
// reconciliation until the next restart.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
