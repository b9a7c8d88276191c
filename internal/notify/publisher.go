// Package notify publishes build lifecycle events to NATS so external
// automation can react to builds without polling the RPC surface. The
// publisher is optional; a nil *Publisher is a safe no-op.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/autobuildd/internal/logfields"
)

// Event is the payload published for every build lifecycle transition.
type Event struct {
	Type      string    `json:"type"` // started | finished
	Profile   string    `json:"profile"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends events to a NATS subject.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// Connect establishes the NATS connection.
func Connect(url, subject string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("NATS publisher initialized", "url", url, "subject", subject)
	return &Publisher{conn: conn, subject: subject}, nil
}

// BuildStarted publishes a started event.
func (p *Publisher) BuildStarted(profile, runID string) {
	p.publish(Event{
		Type:      "started",
		Profile:   profile,
		RunID:     runID,
		Status:    "running",
		Timestamp: time.Now().UTC(),
	})
}

// BuildFinished publishes a finished event with the terminal status.
func (p *Publisher) BuildFinished(profile, runID, status string) {
	p.publish(Event{
		Type:      "finished",
		Profile:   profile,
		RunID:     runID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}

// publish is fire-and-forget; a publish failure never fails a build.
func (p *Publisher) publish(evt Event) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("Failed to marshal lifecycle event", logfields.Error(err))
		return
	}
	subject := p.subject + "." + evt.Type
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Warn("Failed to publish lifecycle event",
			logfields.Profile(evt.Profile),
			logfields.RunID(evt.RunID),
			logfields.Error(err))
	}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
