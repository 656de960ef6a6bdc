package sinks

import (
	"context"

	"github.com/chenchao1231/SocketRelay/internal/dispatch"
	"github.com/chenchao1231/SocketRelay/internal/model"
)

// AsyncConnectionSink decorates a ConnectionSink so every call is dispatched
// onto a bounded worker pool instead of running inline on the caller's
// goroutine — the data path enqueues and moves on, the same separation the
// original gets from ConnectionService's @Async annotation. next may be nil,
// in which case every call is a no-op, matching engine.New's documented
// tolerance for a nil ConnectionSink.
type AsyncConnectionSink struct {
	next ConnectionSink
	pool *dispatch.Pool
}

// NewAsyncConnectionSink wraps next with a pool of workers goroutines and a
// queue of queueSize pending calls. Passing 0 for either uses small
// defaults; see internal/dispatch.
func NewAsyncConnectionSink(next ConnectionSink, workers, queueSize int) *AsyncConnectionSink {
	return &AsyncConnectionSink{next: next, pool: dispatch.New(workers, queueSize)}
}

func (a *AsyncConnectionSink) Save(ctx context.Context, rec model.ConnectionRecord) {
	if a.next == nil {
		return
	}
	a.pool.Go(func() { a.next.Save(ctx, rec) })
}

func (a *AsyncConnectionSink) Update(ctx context.Context, rec model.ConnectionRecord) {
	if a.next == nil {
		return
	}
	a.pool.Go(func() { a.next.Update(ctx, rec) })
}

func (a *AsyncConnectionSink) UpdateTrafficStats(ctx context.Context, connectionID string, rxBytes, txBytes, rxPkts, txPkts int64) {
	if a.next == nil {
		return
	}
	a.pool.Go(func() { a.next.UpdateTrafficStats(ctx, connectionID, rxBytes, txBytes, rxPkts, txPkts) })
}

func (a *AsyncConnectionSink) Delete(ctx context.Context, connectionID string) {
	if a.next == nil {
		return
	}
	a.pool.Go(func() { a.next.Delete(ctx, connectionID) })
}

// Close drains queued calls and stops the worker pool. The engine calls this
// during Shutdown so a process exit doesn't drop in-flight persistence.
func (a *AsyncConnectionSink) Close() {
	a.pool.Close()
}
