package main

import (
	"context"
	"time"

	"github.com/puyokura/chatrelay/model"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = time.Second
	defaultIdleTimeout  = 15 * time.Second
)

// PresenceMonitor demotes idle sessions to INACTIVO. Promotion back to
// ACTIVO happens in the Router when the session sends anything.
type PresenceMonitor struct {
	dir       *Directory
	out       *Dispatcher
	notify    Notifier
	sink      PresenceSink
	metrics   *Metrics
	log       *zap.Logger
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
}

func NewPresenceMonitor(dir *Directory, out *Dispatcher, notify Notifier, interval, threshold time.Duration, log *zap.Logger) *PresenceMonitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if threshold <= 0 {
		threshold = defaultIdleTimeout
	}
	return &PresenceMonitor{
		dir:       dir,
		out:       out,
		notify:    notify,
		sink:      nopSink{},
		log:       log,
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
	}
}

func (p *PresenceMonitor) WithSink(sink PresenceSink) *PresenceMonitor {
	if sink != nil {
		p.sink = sink
	}
	return p
}

func (p *PresenceMonitor) WithMetrics(m *Metrics) *PresenceMonitor {
	p.metrics = m
	return p
}

// Run sweeps once per interval until ctx is cancelled.
func (p *PresenceMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("presence monitor started",
		zap.Duration("interval", p.interval),
		zap.Duration("idle_timeout", p.threshold))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("presence monitor stopped")
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep demotes every session idle for at least the threshold and announces
// each one once. Sessions already INACTIVO are not announced again. The
// demotion and its broadcast happen under Directory.Announce, so a promotion
// racing the sweep is always announced after it.
func (p *PresenceMonitor) Sweep() int {
	var demoted []Session
	p.dir.Announce(func() {
		demoted = p.dir.DemoteIdle(p.threshold)
		for _, s := range demoted {
			p.log.Debug("session idle", zap.String("user", s.Username))
			p.metrics.Transition(model.StatusInactive)
			p.sink.Record(PresenceEvent{
				Kind:       PresenceChanged,
				Username:   s.Username,
				RemoteAddr: s.RemoteAddr,
				Status:     model.StatusInactive,
				At:         p.now(),
			})
			p.out.Broadcast(p.notify.StatusUpdate(s.Username, model.StatusInactive))
		}
	})
	return len(demoted)
}
