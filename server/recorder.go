package main

import (
	"context"
	"time"

	"github.com/puyokura/chatrelay/model"
	"go.uber.org/zap"
)

type PresenceEventKind string

const (
	PresenceJoined  PresenceEventKind = "joined"
	PresenceChanged PresenceEventKind = "status"
	PresenceLeft    PresenceEventKind = "left"
)

// PresenceEvent describes one change to the directory.
type PresenceEvent struct {
	Kind       PresenceEventKind
	Username   string
	RemoteAddr string
	Status     model.Status
	At         time.Time
}

// PresenceSink receives directory changes. Record must not block.
type PresenceSink interface {
	Record(ev PresenceEvent)
}

type nopSink struct{}

func (nopSink) Record(PresenceEvent) {}

// PresenceBackend stores or mirrors presence events.
type PresenceBackend interface {
	Apply(ctx context.Context, ev PresenceEvent) error
	Close() error
}

const backendTimeout = 2 * time.Second

// Recorder queues presence events and applies them to every backend from a
// single goroutine. A full queue drops events instead of stalling routing.
type Recorder struct {
	events   chan PresenceEvent
	backends []PresenceBackend
	metrics  *Metrics
	log      *zap.Logger
}

func NewRecorder(buffer int, metrics *Metrics, log *zap.Logger, backends ...PresenceBackend) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{
		events:   make(chan PresenceEvent, buffer),
		backends: backends,
		metrics:  metrics,
		log:      log,
	}
}

func (r *Recorder) Record(ev PresenceEvent) {
	select {
	case r.events <- ev:
	default:
		r.metrics.SinkOverflow()
		r.log.Warn("presence event dropped", zap.String("user", ev.Username), zap.String("kind", string(ev.Kind)))
	}
}

// Run applies events until ctx is cancelled, then flushes what is queued.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case ev := <-r.events:
			r.apply(ctx, ev)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case ev := <-r.events:
			r.apply(context.Background(), ev)
		default:
			return
		}
	}
}

func (r *Recorder) apply(parent context.Context, ev PresenceEvent) {
	for _, b := range r.backends {
		ctx, cancel := context.WithTimeout(parent, backendTimeout)
		if err := b.Apply(ctx, ev); err != nil {
			r.log.Error("presence backend failed",
				zap.String("user", ev.Username),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
		cancel()
	}
}

// Close releases every backend.
func (r *Recorder) Close() error {
	var first error
	for _, b := range r.backends {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
