// Package pipeline sequences one message through routing, parsing,
// idempotent insertion, snapshotting and a single commit.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/eventstore"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/metrics"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/parser"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/snapshot"
)

// Stage is a state of one pipeline run.
type Stage int

const (
	StageRouting Stage = iota + 1
	StageParsing
	StageInserting
	StageSnapshotting
	StageCommitting
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageRouting:
		return "routing"
	case StageParsing:
		return "parsing"
	case StageInserting:
		return "inserting"
	case StageSnapshotting:
		return "snapshotting"
	case StageCommitting:
		return "committing"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	}
	return "unknown"
}

// Result is the outcome of an asynchronous run.
type Result struct {
	Snapshots []snapshot.Snapshot
	Err       error
}

// CommitHook runs after a successful commit with the committed snapshots.
type CommitHook func(ctx context.Context, snaps []snapshot.Snapshot)

// TransitionHook observes stage transitions of every run.
type TransitionHook func(msg event.Message, from, to Stage)

// Pipeline is immutable after New; configuration reloads build a new one.
type Pipeline struct {
	parsers    *parser.Registry
	snapshots  *snapshot.Engine
	store      *eventstore.Store
	log        *slog.Logger
	tracer     trace.Tracer
	onCommit   CommitHook
	transition TransitionHook
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.log = l } }

func WithTracer(t trace.Tracer) Option { return func(p *Pipeline) { p.tracer = t } }

// WithCommitHook registers fn to run after each successful commit.
func WithCommitHook(fn CommitHook) Option { return func(p *Pipeline) { p.onCommit = fn } }

func WithTransitionHook(fn TransitionHook) Option { return func(p *Pipeline) { p.transition = fn } }

// New builds a pipeline. The registries must not change afterwards.
func New(parsers *parser.Registry, snapshots *snapshot.Engine, st *eventstore.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		parsers:   parsers,
		snapshots: snapshots,
		store:     st,
		log:       slog.Default(),
		tracer:    otel.Tracer("eventsourcekit/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With(slog.String("component", "pipeline"))
	return p
}

func (p *Pipeline) Parsers() []string     { return p.parsers.IDs() }
func (p *Pipeline) Snapshotters() []string { return p.snapshots.Names() }

// HandleAsync runs Handle in its own goroutine. The channel yields exactly
// one Result and is then closed.
func (p *Pipeline) HandleAsync(ctx context.Context, msg event.Message) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		snaps, err := p.Handle(ctx, msg)
		out <- Result{Snapshots: snaps, Err: err}
	}()
	return out
}

// Handle runs msg through every stage and returns the committed snapshots.
// Any failure is returned as a *fault.Error carrying the stage it happened
// in; nothing is committed in that case. Runs are bounded only by ctx.
func (p *Pipeline) Handle(ctx context.Context, msg event.Message) ([]snapshot.Snapshot, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.handle",
		trace.WithAttributes(
			attribute.String("message.id", msg.MessageID),
			attribute.String("message.topic", msg.Topic),
		),
	)
	defer span.End()

	r := &run{p: p, msg: msg, span: span}
	snaps, err := r.execute(ctx)

	metrics.PipelineDuration.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.PipelineRuns.WithLabelValues("error", fault.StageOf(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, fault.KindOf(err).String())
		p.log.Warn("message failed",
			slog.String("message_id", msg.MessageID),
			slog.String("topic", msg.Topic),
			slog.String("stage", fault.StageOf(err)),
			slog.Any("err", err),
		)
		return nil, err
	}
	metrics.PipelineRuns.WithLabelValues("ok", StageDone.String()).Inc()
	return snaps, nil
}

// run is the state of one Handle call. stage is zero until routing starts.
type run struct {
	p     *Pipeline
	msg   event.Message
	span  trace.Span
	stage Stage
}

func (r *run) enter(next Stage) {
	r.span.AddEvent(next.String())
	if r.p.transition != nil {
		r.p.transition(r.msg, r.stage, next)
	}
	r.stage = next
}

// fail moves to StageFailed and tags err with the stage it left.
func (r *run) fail(err error, kind fault.Kind) error {
	failed := r.stage
	r.enter(StageFailed)
	return fault.WithStage(err, failed.String(), kind)
}

func (r *run) execute(ctx context.Context) ([]snapshot.Snapshot, error) {
	r.enter(StageRouting)
	prs, err := r.p.parsers.Select(r.msg)
	if err != nil {
		return nil, r.fail(err, fault.KindNoMatchingParser)
	}
	r.span.SetAttributes(attribute.String("parser.id", prs.ID()))

	r.enter(StageParsing)
	ev, err := prs.Parse(r.msg)
	if err != nil {
		return nil, r.fail(err, fault.KindMalformedPayload)
	}
	r.span.SetAttributes(
		attribute.String("event.id", ev.EventID()),
		attribute.String("event.aggregation_key", ev.AggregationKey()),
	)

	r.enter(StageInserting)
	sess := r.p.store.NewSession()
	stored, err := sess.InsertEvent(ctx, ev)
	if err != nil {
		_ = sess.Rollback(ctx)
		return nil, r.fail(err, fault.KindUnknown)
	}
	if stored.Committed() {
		metrics.DuplicateEvents.Inc()
		r.p.log.Debug("event already stored",
			slog.String("event_id", ev.EventID()),
			slog.String("record_id", stored.RecordID),
		)
	}

	r.enter(StageSnapshotting)
	snaps, err := r.p.snapshots.Run(ctx, sess, sess, ev)
	if err != nil {
		_ = sess.Rollback(ctx)
		return nil, r.fail(err, fault.KindSnapshotFailed)
	}

	r.enter(StageCommitting)
	if _, err := sess.FinalizeTransaction(ctx); err != nil {
		metrics.CommitFailures.Inc()
		return nil, r.fail(err, fault.KindCommitFailed)
	}

	r.enter(StageDone)
	if r.p.onCommit != nil {
		r.p.onCommit(ctx, snaps)
	}
	return snaps, nil
}
