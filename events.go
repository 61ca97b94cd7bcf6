package uploader

import (
	"context"
	"time"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventAssetCreated     EventType = "asset_created"
	EventChunkUploaded    EventType = "chunk_uploaded"
	EventAssetFinalized   EventType = "asset_finalized"
	EventAssetValidated   EventType = "asset_validated"
	EventAssetDeleted     EventType = "asset_deleted"
	EventUploadFailed     EventType = "upload_failed"
	EventSessionCompleted EventType = "session_completed"
)

// Event is a lifecycle notification for the caller to render.
type Event struct {
	Type       EventType
	SessionID  string
	FileIndex  int
	FileName   string
	AssetID    string
	PartNumber int
	Attempt    int
	Stage      Stage
	Kind       ErrorKind
	Err        error
	Time       time.Time
}

// EventHandler receives lifecycle notifications.
type EventHandler func(ctx context.Context, ev Event) error

type EventExecutor interface {
	Execute(ctx context.Context, h EventHandler, ev Event) error
}

type syncEventExecutor struct{}

func (syncEventExecutor) Execute(ctx context.Context, h EventHandler, ev Event) error {
	return h(ctx, ev)
}

// AsyncEventExecutor delivers each event on its own goroutine so slow
// handlers never hold up uploads.
type AsyncEventExecutor struct {
	logger Logger
}

func NewAsyncEventExecutor(logger Logger) *AsyncEventExecutor {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &AsyncEventExecutor{logger: logger}
}

func (e *AsyncEventExecutor) Execute(ctx context.Context, h EventHandler, ev Event) error {
	if h == nil {
		return nil
	}

	go func() {
		if err := h(context.WithoutCancel(ctx), ev); err != nil && e.logger != nil {
			e.logger.Error("async event handler failed", "error", err, "event", ev.Type, "file", ev.FileName)
		}
	}()

	return nil
}

// eventDispatcher fans an event out to every handler. Handler errors are
// logged and never change the outcome of an upload.
type eventDispatcher struct {
	handlers []EventHandler
	executor EventExecutor
	logger   Logger
	now      func() time.Time
}

func (d *eventDispatcher) emit(ctx context.Context, ev Event) {
	if d == nil || len(d.handlers) == 0 {
		return
	}

	if ev.Time.IsZero() {
		ev.Time = d.timeNow()
	}

	exec := d.executor
	if exec == nil {
		exec = syncEventExecutor{}
	}

	for _, h := range d.handlers {
		if h == nil {
			continue
		}
		if err := exec.Execute(ctx, h, ev); err != nil && d.logger != nil {
			d.logger.Error("event handler failed", "error", err, "event", ev.Type, "file", ev.FileName)
		}
	}
}

func (d *eventDispatcher) timeNow() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}
