package sinks

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/treexport/internal/progress"
)

// PrometheusSink observes the progress feed like any other subscriber and
// exports what it sees: updates per kind, sessions currently reporting, and
// the size of finished sessions.
type PrometheusSink struct {
	updates        *prometheus.CounterVec
	sessionsActive *prometheus.GaugeVec
	sessionsDone   *prometheus.CounterVec
	finalValue     *prometheus.HistogramVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treexport_progress_updates_total",
			Help: "Progress updates observed on the feed, by export kind.",
		}, []string{"kind"}),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "treexport_progress_sessions_reporting",
			Help: "Sessions that have published progress but no final value yet.",
		}, []string{"kind"}),
		sessionsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treexport_progress_sessions_finished_total",
			Help: "Sessions whose final progress value was observed.",
		}, []string{"kind"}),
		finalValue: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "treexport_progress_final_value",
			Help:    "Final progress value per session (entries or files).",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"kind"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.updates,
		s.sessionsActive,
		s.sessionsDone,
		s.finalValue,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Offer records u. It never rejects an update.
func (s *PrometheusSink) Offer(u progress.Update) bool {
	kind := string(u.Kind)
	s.updates.WithLabelValues(kind).Inc()
	if u.Final {
		if s.tracker.complete(u.SessionID) {
			s.sessionsActive.WithLabelValues(kind).Dec()
		}
		s.sessionsDone.WithLabelValues(kind).Inc()
		s.finalValue.WithLabelValues(kind).Observe(float64(u.Value))
		return true
	}
	if s.tracker.start(u.SessionID) {
		s.sessionsActive.WithLabelValues(kind).Inc()
	}
	return true
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *sessionTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
