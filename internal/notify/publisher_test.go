package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// A nil publisher must be safe everywhere; the daemon runs without NATS by default.
func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	p.BuildStarted("web", "run-1")
	p.BuildFinished("web", "run-1", "succeeded")
	p.Close()
}

func TestEventPayloadShape(t *testing.T) {
	evt := Event{
		Type:      "finished",
		Profile:   "web",
		RunID:     "run-1",
		Status:    "failed",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "finished", decoded["type"])
	require.Equal(t, "web", decoded["profile"])
	require.Equal(t, "failed", decoded["status"])
	require.Contains(t, decoded, "timestamp")
}
