package service

import (
	"context"
	"time"

	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/notify"
	"github.com/OSM-es/CatAtomApi/internal/repository"
)

const (
	defaultWatchInterval  = 500 * time.Millisecond
	defaultStartupTimeout = 30 * time.Second
)

// Tailer reads the job log incrementally and pushes it to subscribers.
type Tailer struct {
	deriver        *StatusDeriver
	sink           notify.Sink
	interval       time.Duration
	startupTimeout time.Duration
}

func NewTailer(deriver *StatusDeriver, sink notify.Sink, interval, startupTimeout time.Duration) *Tailer {
	if sink == nil {
		sink = notify.Discard{}
	}
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	if startupTimeout <= 0 {
		startupTimeout = defaultStartupTimeout
	}
	return &Tailer{deriver: deriver, sink: sink, interval: interval, startupTimeout: startupTimeout}
}

// Progress is the payload of a progress event.
type Progress struct {
	Lines   []string      `json:"lines"`
	Cursor  int           `json:"cursor"`
	Status  domain.Status `json:"status"`
	Message string        `json:"message"`
}

// ReadDelta returns the log lines after cursor and the next cursor. While
// the job is RUNNING a line the engine is still writing is held back.
func (t *Tailer) ReadDelta(job *repository.Job, cursor int) ([]string, int, error) {
	return t.readDelta(job, cursor, t.deriver.Status(job) != domain.StatusRunning)
}

func (t *Tailer) readDelta(job *repository.Job, cursor int, final bool) ([]string, int, error) {
	read := job.Dir.FollowLines
	if final {
		read = job.Dir.ReadLines
	}
	lines, next, err := read(t.deriver.layout.LogFile, cursor)
	if err != nil {
		return nil, cursor, Unexpected(err, "read log of %s", job.Key)
	}
	return lines, next, nil
}

// Watch waits for job to be RUNNING, then pushes log deltas every
// interval until it leaves RUNNING. It holds no job lock.
func (t *Tailer) Watch(ctx context.Context, job *repository.Job) error {
	return t.WatchUntil(ctx, job, nil)
}

// WatchUntil is Watch for a run whose post-run steps close settled. The
// loop then ends on settled instead of on the status, so the terminal
// status is read only after post-processing.
func (t *Tailer) WatchUntil(ctx context.Context, job *repository.Job, settled <-chan struct{}) error {
	ctx = logger.SetComponent(ctx, "tailer")

	status, err := t.awaitRunning(ctx, job, settled)
	if err != nil {
		return err
	}

	cursor := 0
	for watching(status, settled) {
		if cursor, err = t.push(ctx, job, cursor, status, false); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-settled:
		case <-time.After(t.interval):
		}
		status = t.deriver.Status(job)
	}

	if _, err := t.push(ctx, job, cursor, status, true); err != nil {
		return err
	}
	if status == domain.StatusDone {
		t.sink.Notify(ctx, notify.Event{Kind: notify.KindCompleted, JobID: job.Key.ID(), Payload: Progress{Status: status, Message: status.Message()}})
	}
	logger.CtxDebug(ctx, "Watch finished with status %s", status)
	return nil
}

func watching(status domain.Status, settled <-chan struct{}) bool {
	if settled == nil {
		return status == domain.StatusRunning
	}
	select {
	case <-settled:
		return false
	default:
		return true
	}
}

// awaitRunning polls until the worker made the job RUNNING. A job that
// already moved past RUNNING, or never started before the timeout, goes
// straight to the final push.
func (t *Tailer) awaitRunning(ctx context.Context, job *repository.Job, settled <-chan struct{}) (domain.Status, error) {
	deadline := time.Now().Add(t.startupTimeout)
	for {
		status := t.deriver.Status(job)
		if status != domain.StatusAvailable || time.Now().After(deadline) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-settled:
			return t.deriver.Status(job), nil
		case <-time.After(t.interval):
		}
	}
}

func (t *Tailer) push(ctx context.Context, job *repository.Job, cursor int, status domain.Status, final bool) (int, error) {
	lines, next, err := t.readDelta(job, cursor, final)
	if err != nil {
		return cursor, err
	}
	if len(lines) > 0 {
		t.sink.Notify(ctx, notify.Event{
			Kind:  notify.KindProgress,
			JobID: job.Key.ID(),
			Payload: Progress{
				Lines:   lines,
				Cursor:  next,
				Status:  status,
				Message: status.Message(),
			},
		})
	}
	return next, nil
}
