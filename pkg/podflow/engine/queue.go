package engine

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/perrors"
	"github.com/podflow/podflow/pkg/podflow/provider"
	"github.com/podflow/podflow/pkg/podflow/store"
)

// Queue defers executions to a bounded worker pool. Callers get the
// execution id immediately and observe progress through the broadcast
// channel and the durable record, not a direct stream.
type Queue struct {
	engine *Engine
	sem    *semaphore.Weighted

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a worker pool of the given depth; depth <= 0 uses the
// engine's configured default.
func NewQueue(e *Engine, depth int) *Queue {
	if depth <= 0 {
		depth = e.settings.WorkerPoolDepth
	}
	base, cancel := context.WithCancel(context.Background())
	return &Queue{
		engine: e,
		sem:    semaphore.NewWeighted(int64(depth)),
		base:   base,
		cancel: cancel,
	}
}

// Enqueue validates the request, records the execution as QUEUED, and
// schedules it. The returned id is durable before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	exec, content, err := q.engine.prepare(ctx, req, model.StatusQueued)
	if err != nil {
		return "", err
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.sem.Acquire(q.base, 1); err != nil {
			return
		}
		defer q.sem.Release(1)

		// Only a row still QUEUED may start; a cancellation that won the
		// race leaves it CANCELLED and the worker drops the task.
		if err := q.engine.store.MarkRunning(q.base, exec.ID); err != nil {
			return
		}

		// No caller stream in queued mode; drain the chunks.
		out := make(chan provider.Chunk)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for range out {
			}
		}()
		q.engine.run(q.base, exec, content, req, out)
		close(out)
		<-drained
	}()

	return exec.ID, nil
}

// Cancel transitions a queued-but-not-yet-started execution to
// CANCELLED. Running executions are not preempted; cancelling one is a
// BadRequest.
func (q *Queue) Cancel(ctx context.Context, executionID string) error {
	exec, err := q.engine.store.GetExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return perrors.Newf(perrors.CodeNotFound, "execution %s not found", executionID)
	}
	if err != nil {
		return err
	}
	if exec.Status != model.StatusQueued {
		return perrors.Newf(perrors.CodeBadRequest, "execution %s is %s, only queued executions cancel", executionID, exec.Status)
	}

	if err := q.engine.store.MarkCancelled(ctx, executionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost the race against the worker starting it.
			return perrors.Newf(perrors.CodeBadRequest, "execution %s already started", executionID)
		}
		return err
	}
	return nil
}

// Close stops scheduling new work and waits for in-flight workers.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}
