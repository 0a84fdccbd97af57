// Package stream runs generations and delivers their fragments to the
// user's connection as ordered events.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/streamdesk/internal/bus"
	"github.com/basket/streamdesk/internal/generation"
	"github.com/basket/streamdesk/internal/ledger"
	"github.com/basket/streamdesk/internal/metrics"
	otelPkg "github.com/basket/streamdesk/internal/otel"
	"github.com/basket/streamdesk/internal/shared"
)

// Sender delivers an event to a user's connection, best effort.
type Sender interface {
	Send(ctx context.Context, userID string, v any) bool
}

// Releaser frees a user's ledger slot.
type Releaser interface {
	Complete(userID, requestID string)
}

// Job is one registered request waiting to be streamed.
type Job struct {
	UserID    string
	RequestID string
	Text      string
	ButtonID  string
	RoleID    string
	Template  string
	Token     *ledger.Token
	// TraceID ties run logs to the HTTP request that submitted the job.
	TraceID string
}

// Result summarizes a finished run.
type Result struct {
	Outcome string
	Chunks  int
	Output  string
	Err     error
}

type Orchestrator struct {
	sender   Sender
	releaser Releaser
	source   generation.Source
	logger   *slog.Logger

	bus     *bus.Bus
	tracer  trace.Tracer
	otelM   *otelPkg.Metrics
	metrics *metrics.Metrics
}

type Option func(*Orchestrator)

func WithBus(b *bus.Bus) Option { return func(o *Orchestrator) { o.bus = b } }

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

func WithOtelMetrics(m *otelPkg.Metrics) Option { return func(o *Orchestrator) { o.otelM = m } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func NewOrchestrator(sender Sender, releaser Releaser, source generation.Source, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		sender:   sender,
		releaser: releaser,
		source:   source,
		logger:   logger,
		tracer:   nooptrace.NewTracerProvider().Tracer(otelPkg.ScopeName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run streams job to completion, cancellation or failure. The ledger slot is
// released on every path. After the token is observed as signalled nothing
// more is sent for the request.
func (o *Orchestrator) Run(ctx context.Context, job Job) (res Result) {
	if job.Token == nil {
		job.Token = ledger.NewToken()
	}
	started := time.Now()
	logger := o.logger.With("user_id", job.UserID, "request_id", job.RequestID)
	ctx = shared.WithRequestID(shared.WithUserID(ctx, job.UserID), job.RequestID)
	if job.TraceID != "" {
		ctx = shared.WithTraceID(ctx, job.TraceID)
	}

	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "stream.run",
		otelPkg.AttrUserID.String(job.UserID),
		otelPkg.AttrRequestID.String(job.RequestID),
		otelPkg.AttrButton.String(job.ButtonID),
		otelPkg.AttrRole.String(job.RoleID),
	)
	o.otelM.StreamStarted(ctx)
	o.bus.Publish(bus.TopicRequestStarted, bus.RequestStarted{
		UserID:    job.UserID,
		RequestID: job.RequestID,
		Button:    job.ButtonID,
		Role:      job.RoleID,
		Input:     job.Text,
		StartedAt: started,
	})

	defer func() {
		o.releaser.Complete(job.UserID, job.RequestID)
		o.finish(ctx, span, logger, job, started, res)
	}()

	// Sources see their context cancelled once the token fires.
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-job.Token.Done():
			cancel()
		case <-genCtx.Done():
		}
	}()

	o.sender.Send(ctx, job.UserID, StartEvent(job.RequestID))

	var out strings.Builder
	res.Outcome = bus.OutcomeCompleted
	err := o.pump(genCtx, job, func(frag string) bool {
		if job.Token.Signalled() {
			return false
		}
		res.Chunks++
		out.WriteString(frag)
		o.sender.Send(ctx, job.UserID, ChunkEvent(job.RequestID, res.Chunks, frag))
		runtime.Gosched()
		return true
	})
	res.Output = out.String()

	switch {
	case job.Token.Signalled():
		res.Outcome = bus.OutcomeCancelled
	case err != nil:
		res.Outcome = bus.OutcomeFailed
		res.Err = err
		o.sender.Send(ctx, job.UserID, ErrorEvent(job.RequestID, err.Error()))
	default:
		o.sender.Send(ctx, job.UserID, DoneEvent(job.RequestID))
	}
	return res
}

// pump feeds fragments to deliver until the source ends, deliver refuses or
// the source fails. A panicking source is reported as an error.
func (o *Orchestrator) pump(ctx context.Context, job Job, deliver func(string) bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generation panicked: %v", r)
		}
	}()
	req := generation.Request{
		Text:           job.Text,
		PromptTemplate: job.Template,
		UserID:         job.UserID,
		RequestID:      job.RequestID,
		Token:          job.Token,
	}
	for frag, ferr := range o.source.Stream(ctx, req) {
		if ferr != nil {
			return ferr
		}
		if !deliver(frag) {
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, logger *slog.Logger, job Job, started time.Time, res Result) {
	elapsed := time.Since(started)

	span.SetAttributes(
		otelPkg.AttrOutcome.String(res.Outcome),
		otelPkg.AttrChunks.Int(res.Chunks),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.End()

	o.otelM.StreamFinished(ctx, res.Outcome, res.Chunks, elapsed.Seconds())
	o.metrics.ObserveRequest(res.Outcome, res.Chunks, elapsed)

	fin := bus.RequestFinished{
		UserID:    job.UserID,
		RequestID: job.RequestID,
		Button:    job.ButtonID,
		Role:      job.RoleID,
		Input:     job.Text,
		Output:    res.Output,
		Outcome:   res.Outcome,
		Chunks:    res.Chunks,
		StartedAt: started,
		Duration:  elapsed,
	}
	if res.Err != nil {
		fin.Error = res.Err.Error()
	}
	o.bus.Publish(bus.TopicRequestFinished, fin)

	attrs := []any{"outcome", res.Outcome, "chunks", res.Chunks, "duration_ms", elapsed.Milliseconds()}
	if res.Err != nil {
		logger.WarnContext(ctx, "stream finished", append(attrs, "error", res.Err)...)
		return
	}
	logger.InfoContext(ctx, "stream finished", attrs...)
}
