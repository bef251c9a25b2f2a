package writecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
)

// task is one unit of work for the flush worker.
type task struct {
	name string
	run  func(ctx context.Context) error
	done chan error
}

// flushWorker runs every flush-related task on a single goroutine, so the
// flush bookkeeping it owns needs no locking. Priority tasks (overflow
// flushes) are taken before regular ones; the periodic tick runs when both
// queues are idle.
type flushWorker struct {
	logger *zap.Logger
	tracer trace.Tracer

	tasks    chan *task
	priority chan *task
	stopChan chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
	wg       sync.WaitGroup

	interval        time.Duration
	periodic        func(ctx context.Context) time.Duration
	periodicStopped atomic.Bool
	observe         func(name string, d time.Duration)
}

func newFlushWorker(logger *zap.Logger, tracer trace.Tracer, interval time.Duration,
	periodic func(ctx context.Context) time.Duration, observe func(string, time.Duration)) *flushWorker {
	return &flushWorker{
		logger:   logger,
		tracer:   tracer,
		tasks:    make(chan *task, 64),
		priority: make(chan *task, 64),
		stopChan: make(chan struct{}),
		exited:   make(chan struct{}),
		interval: interval,
		periodic: periodic,
		observe:  observe,
	}
}

func (w *flushWorker) start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *flushWorker) loop() {
	defer w.wg.Done()
	defer close(w.exited)
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case t := <-w.priority:
			w.execute(t)
			continue
		default:
		}

		select {
		case <-w.stopChan:
			w.drain()
			return
		case t := <-w.priority:
			w.execute(t)
		case t := <-w.tasks:
			w.execute(t)
		case <-timer.C:
			next := w.interval
			if !w.periodicStopped.Load() {
				next = w.tick()
			}
			timer.Reset(next)
		}
	}
}

// drain runs the tasks queued before stop so no submitter waits forever.
func (w *flushWorker) drain() {
	for {
		select {
		case t := <-w.priority:
			w.execute(t)
		case t := <-w.tasks:
			w.execute(t)
		default:
			return
		}
	}
}

func (w *flushWorker) tick() time.Duration {
	ctx, span := w.tracer.Start(context.Background(), "writecache.periodic_flush")
	defer span.End()
	start := time.Now()
	next := w.periodic(ctx)
	w.observe("periodic_flush", time.Since(start))
	return next
}

func (w *flushWorker) execute(t *task) {
	ctx, span := w.tracer.Start(context.Background(), "writecache."+t.name)
	start := time.Now()
	err := t.run(ctx)
	w.observe(t.name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("failed", err != nil))
	span.End()
	t.done <- err
}

// submit queues fn and returns the channel that receives its result.
func (w *flushWorker) submit(ctx context.Context, name string, priority bool, fn func(ctx context.Context) error) (<-chan error, error) {
	t := &task{name: name, run: fn, done: make(chan error, 1)}
	queue := w.tasks
	if priority {
		queue = w.priority
	}
	select {
	case <-w.stopChan:
		return nil, fmt.Errorf("%w: flush worker is stopped", flushmanager.ErrCacheClosed)
	default:
	}
	select {
	case queue <- t:
		return t.done, nil
	case <-w.stopChan:
		return nil, fmt.Errorf("%w: flush worker is stopped", flushmanager.ErrCacheClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", flushmanager.ErrInterrupted, ctx.Err())
	}
}

// call submits fn and waits for its result.
func (w *flushWorker) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	done, err := w.submit(ctx, name, false, fn)
	if err != nil {
		return err
	}
	return w.wait(ctx, done)
}

// wait returns the result of a submitted task. A task queued after the
// worker exited never runs and fails with ErrCacheClosed.
func (w *flushWorker) wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", flushmanager.ErrInterrupted, ctx.Err())
	case <-w.exited:
		select {
		case err := <-done:
			return err
		default:
			return fmt.Errorf("%w: flush worker is stopped", flushmanager.ErrCacheClosed)
		}
	}
}

func (w *flushWorker) stopPeriodic() { w.periodicStopped.Store(true) }

// shutdown stops the worker and waits up to timeout for the running task.
// It reports whether the worker finished in time.
func (w *flushWorker) shutdown(timeout time.Duration) bool {
	w.stopOnce.Do(func() { close(w.stopChan) })
	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}
