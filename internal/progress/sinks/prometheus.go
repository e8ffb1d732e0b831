package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/stayprice-crawler/internal/progress"
)

// PrometheusSink exports run and month counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	months        *prometheus.CounterVec
	monthDuration *prometheus.HistogramVec
	monthSamples  prometheus.Histogram

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stayprice_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stayprice_runs_completed_total",
			Help: "Total runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stayprice_runs_running",
			Help: "Current number of running runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stayprice_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"result"}),
		months: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stayprice_months_total",
			Help: "Month fetches partitioned by outcome and source.",
		}, []string{"outcome", "source"}),
		monthDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stayprice_month_duration_seconds",
			Help:    "Month fetch duration partitioned by outcome.",
			Buckets: []float64{0.01, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),
		monthSamples: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stayprice_month_samples",
			Help:    "Price samples collected per fetched month.",
			Buckets: []float64{1, 5, 10, 20, 40, 80},
		}),
		running: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.months,
		s.monthDuration,
		s.monthSamples,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.track(evt.RunID, true) {
				s.runsRunning.Inc()
			}
		case progress.StageRunDone:
			s.finishRun(evt, "success")
		case progress.StageRunError:
			s.finishRun(evt, "error")
		case progress.StageMonthDone:
			source := "browser"
			if evt.FromCache {
				source = "cache"
			}
			s.months.WithLabelValues("ok", source).Inc()
			s.monthDuration.WithLabelValues("ok").Observe(evt.Dur.Seconds())
			if evt.Samples > 0 {
				s.monthSamples.Observe(float64(evt.Samples))
			}
		case progress.StageMonthFailed:
			s.months.WithLabelValues(evt.Reason, "browser").Inc()
			s.monthDuration.WithLabelValues("failed").Observe(evt.Dur.Seconds())
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.track(evt.RunID, false) {
		s.runsRunning.Dec()
	}
}

// track records run start or completion and reports whether the running set changed.
func (s *PrometheusSink) track(runID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[runID]
	switch {
	case start && !ok:
		s.running[runID] = struct{}{}
		return true
	case !start && ok:
		delete(s.running, runID)
		return true
	}
	return false
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
