package service

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/jask/clarify/internal/logger"
)

// SyncLock serializes sync attempts process-wide. Callers that have to wait
// are counted and logged with the current queue depth before blocking.
type SyncLock struct {
	sem     *semaphore.Weighted
	waiting atomic.Int64
	Logger  *slog.Logger
}

func NewSyncLock(l *slog.Logger) *SyncLock {
	return &SyncLock{sem: semaphore.NewWeighted(1), Logger: l}
}

// Acquire blocks until the lock is held and returns its release func.
func (l *SyncLock) Acquire(ctx context.Context) (func(), error) {
	if l.sem.TryAcquire(1) {
		return l.release, nil
	}
	depth := l.waiting.Add(1)
	logger.FromContext(ctx, l.Logger).Info("sync queued", "queue_depth", depth)
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return nil, err
	}
	return l.release, nil
}

// QueueDepth is the number of callers currently waiting.
func (l *SyncLock) QueueDepth() int64 { return l.waiting.Load() }

func (l *SyncLock) release() { l.sem.Release(1) }
