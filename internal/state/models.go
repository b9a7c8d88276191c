package state

import (
	"maps"
	"time"
)

// Status represents the lifecycle status of a build profile.
type Status string

const (
	StatusConfigured Status = "configured" // never run
	StatusQueued     Status = "queued"     // admitted to the queue, not yet dispatched
	StatusRunning    Status = "running"    // dispatched, process live
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"  // non-zero exit or spawn failure
	StatusStopped    Status = "stopped" // terminated by explicit request
	StatusUnknown    Status = "unknown" // was running, no live process after restart
)

// Busy reports whether the profile currently owns a queue entry or a live run.
func (s Status) Busy() bool {
	return s == StatusQueued || s == StatusRunning
}

// Idle reports whether a new build may be requested for this status.
func (s Status) Idle() bool {
	return !s.Busy()
}

// RunRecord is the record of one execution of a profile's build command.
// Once EndTime is set the record is immutable, except for OutcomeNote
// appended by restart reconciliation.
type RunRecord struct {
	ID          string     `json:"run_id"`
	PID         int        `json:"pid"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	LogFile     string     `json:"log_file"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Commit      string     `json:"commit,omitempty"`
	OutcomeNote string     `json:"outcome_note,omitempty"`
}

// Clone returns a deep copy of the run record.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.EndTime != nil {
		end := *r.EndTime
		c.EndTime = &end
	}
	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// Profile is a named, persisted build configuration plus its latest run state.
type Profile struct {
	Name                string            `json:"name"`
	ProjectPath         string            `json:"project_path"`
	BuildCommand        string            `json:"build_command"`
	Environment         map[string]string `json:"environment,omitempty"`
	TimeoutSeconds      int               `json:"timeout,omitempty"`
	AutobuildEnabled    bool              `json:"autobuild_enabled"`
	RebuildOnCompletion bool              `json:"rebuild_on_completion"`
	Status              Status            `json:"status"`
	LastRun             *RunRecord        `json:"last_run,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers never alias store-owned state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.Environment = maps.Clone(p.Environment)
	c.LastRun = p.LastRun.Clone()
	return &c
}

// ProfileConfig carries a partial configuration update. Nil fields retain
// prior values; status and last run are never set through configuration.
type ProfileConfig struct {
	ProjectPath    *string
	BuildCommand   *string
	Environment    map[string]string
	TimeoutSeconds *int
}
