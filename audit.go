package authcore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/authcore-dev/authcore/internal/audit"
)

// AuditEvent is re-exported so hosts implementing a sink do not import
// the internal package.
type AuditEvent = audit.Event

// AuditKind names one auditable engine outcome.
type AuditKind = audit.Kind

// AuditSink receives engine audit events.
type AuditSink = audit.Sink

// AuditConfig controls the asynchronous audit pipeline. With DropIfFull
// set, a saturated buffer sheds events and counts the drops instead of
// stalling the auth path.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// auditDispatcher decouples the auth hot path from the sink. Events
// cross a buffered channel to one consumer goroutine; Close drains
// whatever is buffered before returning.
type auditDispatcher struct {
	config    AuditConfig
	sink      AuditSink
	events    chan audit.Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if sink == nil {
		sink = audit.NoOpSink{}
	}

	d := &auditDispatcher{
		config: cfg,
		sink:   sink,
		events: make(chan audit.Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *auditDispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.events:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			for {
				select {
				case event := <-d.events:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (d *auditDispatcher) Emit(ctx context.Context, event audit.Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if d.config.DropIfFull {
		select {
		case d.events <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.events <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
