package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink receives stamped events. Implementations must not block for long; the
// Emitter delivers to sinks while holding its ordering lock.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Emitter stamps and fans out the events of one job.
type Emitter struct {
	mu      sync.Mutex
	jobID   string
	seq     int64
	percent float64
	sinks   []Sink
	logger  *zap.Logger
}

// NewEmitter creates an emitter whose first event gets sequence lastSeq+1.
func NewEmitter(jobID string, lastSeq int64, logger *zap.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{jobID: jobID, seq: lastSeq, sinks: sinks, logger: logger}
}

// Seq returns the last sequence number issued.
func (e *Emitter) Seq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Emit stamps ev and delivers it to every sink. data, when non-nil, is
// marshaled into ev.Data. The stamped event is returned.
func (e *Emitter) Emit(ctx context.Context, ev Event, data any) Event {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			e.logger.Warn("event payload marshal failed", zap.String("type", string(ev.Type)), zap.Error(err))
		} else {
			ev.Data = raw
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	ev.Seq = e.seq
	ev.JobID = e.jobID
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if ev.Percent < e.percent {
		ev.Percent = e.percent
	}
	if ev.Percent > 100 {
		ev.Percent = 100
	}
	e.percent = ev.Percent

	// Delivery must not be cut short by a cancelled job context.
	sinkCtx := context.WithoutCancel(ctx)
	for _, s := range e.sinks {
		if err := s.Publish(sinkCtx, ev); err != nil {
			e.logger.Warn("event sink publish failed",
				zap.String("job_id", e.jobID),
				zap.Int64("seq", ev.Seq),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
	return ev
}
