package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lumenclass/backend/internal/models"
)

const (
	sinkBuffer    = 256
	insertTimeout = 3 * time.Second
)

// Sink records audit events off the hot path. Signaling handlers call
// Record and move on; a single writer goroutine does the inserts. When the
// buffer is full the event is logged and dropped rather than blocking a
// broadcast.
type Sink struct {
	repo   *Repository
	logger *zap.Logger
	events chan models.AuditEvent
	done   chan struct{}
}

// NewSink creates and starts an audit sink.
func NewSink(repo *Repository, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		repo:   repo,
		logger: logger,
		events: make(chan models.AuditEvent, sinkBuffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Record queues one event for persistence.
func (s *Sink) Record(e models.AuditEvent) {
	select {
	case s.events <- e:
	default:
		s.logger.Warn("audit sink full, dropping event", zap.String("type", string(e.Type)))
	}
}

// Close drains queued events and stops the writer.
func (s *Sink) Close() {
	close(s.events)
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		err := s.repo.Insert(ctx, &e)
		cancel()
		if err != nil {
			s.logger.Error("audit insert failed", zap.String("type", string(e.Type)), zap.Error(err))
		}
	}
}
