// Package engine runs pipeline runs on a bounded worker pool and lets the
// pipeline be replaced while messages are in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/config"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/metrics"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/pipeline"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/snapshot"
)

var (
	ErrQueueFull = errors.New("message queue full")
	ErrTimeout   = errors.New("message processing timeout")
)

// Engine processes messages through the current pipeline.
type Engine struct {
	pipeline atomic.Pointer[pipeline.Pipeline]
	pool     *workerPool[*work]
	conf     config.EngineConf
	log      *slog.Logger
}

type work struct {
	ctx     context.Context // nil for async work
	msg     event.Message
	resultC chan pipeline.Result
}

// New creates an Engine using conf and starts the worker pool. Workers stop
// when ctx is canceled or Shutdown drains the queue.
func New(ctx context.Context, p *pipeline.Pipeline, conf config.EngineConf, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{conf: conf, log: log.With(slog.String("component", "engine"))}
	e.pipeline.Store(p)
	e.pool = newWorkerPool[*work](ctx, conf.Workers, conf.QueueDepth, e.process)
	return e
}

// SwapPipeline atomically replaces the pipeline (used on hot-reload). Runs
// already started finish on the pipeline they began with.
func (e *Engine) SwapPipeline(p *pipeline.Pipeline) {
	e.pipeline.Store(p)
}

// Pipeline returns the current pipeline.
func (e *Engine) Pipeline() *pipeline.Pipeline {
	return e.pipeline.Load()
}

func (e *Engine) timeout() time.Duration {
	return time.Duration(e.conf.TimeoutMs) * time.Millisecond
}

// ProcessSync runs msg on a worker and waits for the result. It fails fast
// with ErrQueueFull when the queue is full and with ErrTimeout when the run
// exceeds the configured timeout; the run is canceled in that case.
func (e *Engine) ProcessSync(ctx context.Context, msg event.Message) ([]snapshot.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	w := &work{ctx: ctx, msg: msg, resultC: make(chan pipeline.Result, 1)}
	if !e.submit(w) {
		return nil, fmt.Errorf("%w (capacity %d)", ErrQueueFull, e.pool.QueueCap())
	}

	select {
	case res := <-w.resultC:
		return res.Snapshots, res.Err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrTimeout, e.timeout())
		}
		return nil, ctx.Err()
	}
}

// ProcessAsync enqueues msg for background processing. Returns false if the queue is full.
func (e *Engine) ProcessAsync(msg event.Message) bool {
	return e.submit(&work{msg: msg})
}

func (e *Engine) submit(w *work) bool {
	if !e.pool.Submit(w) {
		metrics.MessagesDropped.Inc()
		return false
	}
	metrics.MessagesEnqueued.Inc()
	metrics.QueueUtilization.Set(e.QueueUtilization())
	return true
}

func (e *Engine) process(poolCtx context.Context, w *work) {
	metrics.QueueUtilization.Set(e.QueueUtilization())

	ctx := w.ctx
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(poolCtx, e.timeout())
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		// the caller gave up while the message was queued
		return
	}

	snaps, err := e.pipeline.Load().Handle(ctx, w.msg)
	if w.resultC != nil {
		w.resultC <- pipeline.Result{Snapshots: snaps, Err: err}
	}
}

// QueueUtilization returns queue used / capacity (0-1).
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	return float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
}

// Shutdown stops accepting messages and waits for queued ones to finish.
func (e *Engine) Shutdown() {
	e.pool.Drain()
	e.log.Info("engine drained")
}
