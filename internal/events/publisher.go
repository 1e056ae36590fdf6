// Package events publishes index lifecycle transitions to NATS so other
// services can react to completed or failed indexing without polling the
// database. Publishing is fire-and-forget: a broker outage never fails an
// indexing run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/config"
	"github.com/fyrsmithlabs/codeindexd/internal/logging"
)

// Lifecycle event types, appended to the subject prefix as
// "{prefix}.index.{type}".
const (
	TypePending   = "pending"
	TypeStarted   = "started"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
)

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "codeindexd",
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Lifecycle events by type and publish outcome.",
}, []string{"type", "status"})

// Event is the JSON payload published per lifecycle transition.
type Event struct {
	Type         string    `json:"type"`
	RepoIndexID  string    `json:"repoIndexId"`
	RepositoryID string    `json:"repositoryId,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	Commit       string    `json:"commit,omitempty"`
	Error        string    `json:"error,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Publisher emits lifecycle events. A nil Publisher is valid and publishes
// nothing, so callers never need to branch on whether events are enabled.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// Connect dials NATS per configuration. Returns (nil, nil) when events are
// disabled.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info(context.Background(), "connected to NATS", zap.String("url", cfg.URL))
	return &Publisher{nc: nc, prefix: cfg.SubjectPrefix, logger: logger.Named("events")}, nil
}

// newWithConn wires a publisher over an existing connection, for tests.
func newWithConn(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Publish emits one event. Failures are logged and counted, never returned:
// observers are best-effort and must not be able to fail an indexing run.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if p == nil || p.nc == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		eventsPublished.WithLabelValues(event.Type, "error").Inc()
		p.logger.Warn(ctx, "marshaling lifecycle event failed", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.index.%s", p.prefix, event.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		eventsPublished.WithLabelValues(event.Type, "error").Inc()
		p.logger.Warn(ctx, "publishing lifecycle event failed",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	eventsPublished.WithLabelValues(event.Type, "ok").Inc()
}

// Close drains the connection. Safe on nil.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Close()
}
