package metrics

import "time"

// Recorder defines observability hooks for queue and build metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. The
// NoopRecorder allows optional injection.
type Recorder interface {
	SetQueueDepth(n int)
	SetRunning(n int)
	IncEnqueued()
	IncBuildOutcome(outcome string) // outcome: succeeded|failed|stopped
	ObserveBuildDuration(d time.Duration)
	IncDebounceTrigger()
	IncRebuildOnCompletion()
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) SetQueueDepth(int)                  {}
func (NoopRecorder) SetRunning(int)                     {}
func (NoopRecorder) IncEnqueued()                       {}
func (NoopRecorder) IncBuildOutcome(string)             {}
func (NoopRecorder) ObserveBuildDuration(time.Duration) {}
func (NoopRecorder) IncDebounceTrigger()                {}
func (NoopRecorder) IncRebuildOnCompletion()            {}
