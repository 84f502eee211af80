// Package queue implements C3: a FIFO work queue with a bounded number of
// concurrently executing jobs and an independent per-submit queue-wait
// deadline.
//
// Grounded on the channel-based concurrency permit in the example SDK's
// execution engine (a buffered channel used as a semaphore, chosen there
// specifically to avoid a counter+mutex race). Here the permit is
// golang.org/x/sync/semaphore.Weighted instead of a bare channel, because
// Acquire takes a context directly — which lets the queue-wait deadline
// and caller cancellation share one cancellation path rather than a
// hand-rolled select over two channels.
package queue

import (
	"context"
	"time"

	"github.com/ganaudit/auditor-mcp/internal/apperrors"
	"golang.org/x/sync/semaphore"
)

// Queue bounds concurrent execution of jobs submitted via Submit. Jobs
// are admitted strictly in submission order relative to others waiting on
// the same permit pool (§4.3).
type Queue struct {
	sem             *semaphore.Weighted
	queueWaitDeadline time.Duration
}

// New constructs a Queue that admits at most maxConcurrent jobs at once,
// and fails a submit that waits longer than queueWaitDeadline for a
// permit (§4.3). A queueWaitDeadline of zero disables the queue-wait
// timeout.
func New(maxConcurrent int, queueWaitDeadline time.Duration) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{sem: semaphore.NewWeighted(int64(maxConcurrent)), queueWaitDeadline: queueWaitDeadline}
}

// Submit waits for an execution permit (subject to the queue-wait
// deadline and ctx cancellation), then runs fn while holding the permit,
// releasing it when fn returns regardless of outcome (§4.3).
func (q *Queue) Submit(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if q.queueWaitDeadline > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, q.queueWaitDeadline)
		defer cancel()
	}

	if err := q.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.New(apperrors.KindQueueTimeout, "timed out waiting for an execution permit").WithCause(err)
	}
	defer q.sem.Release(1)

	return fn(ctx)
}

// TryAcquireCount reports the number of currently-available permits, for
// metrics and tests. It is advisory only — semaphore.Weighted does not
// expose a direct query, so this acquires and immediately releases a
// best-effort probe permit; callers must not rely on it for correctness.
func (q *Queue) TryAcquireCount(max int64) int64 {
	var acquired int64
	for acquired < max {
		if !q.sem.TryAcquire(1) {
			break
		}
		acquired++
	}
	for i := int64(0); i < acquired; i++ {
		q.sem.Release(1)
	}
	return acquired
}
