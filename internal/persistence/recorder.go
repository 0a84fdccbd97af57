package persistence

import (
	"context"
	"log/slog"

	"github.com/basket/streamdesk/internal/bus"
)

// Recorder persists every request.finished event published on the bus.
type Recorder struct {
	store  *Store
	bus    *bus.Bus
	logger *slog.Logger
}

func NewRecorder(store *Store, b *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, bus: b, logger: logger}
}

// Run consumes events until ctx is done, then records whatever is still
// buffered before returning. The returned channel closes once that drain
// has finished.
func (r *Recorder) Run(ctx context.Context) <-chan struct{} {
	sub := r.bus.SubscribeBuffered(bus.TopicRequestFinished, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer r.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				r.drain(context.WithoutCancel(ctx), sub)
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				fin, ok := ev.Payload.(bus.RequestFinished)
				if !ok {
					continue
				}
				r.record(ctx, fin)
			}
		}
	}()
	return done
}

// drain stops delivery and records the events already queued.
func (r *Recorder) drain(ctx context.Context, sub *bus.Subscription) {
	r.bus.Unsubscribe(sub)
	for ev := range sub.Ch() {
		if fin, ok := ev.Payload.(bus.RequestFinished); ok {
			r.record(ctx, fin)
		}
	}
}

func (r *Recorder) record(ctx context.Context, fin bus.RequestFinished) {
	err := r.store.RecordRun(ctx, Run{
		RequestID: fin.RequestID,
		UserID:    fin.UserID,
		ButtonID:  fin.Button,
		RoleID:    fin.Role,
		Input:     fin.Input,
		Output:    fin.Output,
		Outcome:   fin.Outcome,
		Error:     fin.Error,
		Chunks:    fin.Chunks,
		Duration:  fin.Duration,
		CreatedAt: fin.StartedAt,
	})
	if err != nil {
		r.logger.Warn("record run failed", "request_id", fin.RequestID, "error", err)
	}
}
