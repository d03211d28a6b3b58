package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one append-only activity record. Actor 0 means the system
// itself (reconciler, bulk jobs).
type Event struct {
	ID     string    `json:"id"`
	Actor  int64     `json:"actor,omitempty"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Sink is the append-only activity log consumed by the core. A durable
// implementation can be plugged in later; this package ships a
// log-backed one.
type Sink interface {
	Record(ctx context.Context, e Event)
}

type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.logger.Info("Activity",
		zap.String("event_id", e.ID),
		zap.Int64("actor", e.Actor),
		zap.String("action", e.Action),
		zap.String("target", e.Target),
		zap.String("detail", e.Detail))
}

// NopSink discards events; used in tests.
type NopSink struct{}

func (NopSink) Record(ctx context.Context, e Event) {}
