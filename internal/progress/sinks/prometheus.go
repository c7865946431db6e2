package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/group-scraper/internal/progress"
)

// PrometheusSink exports run progress: jobs started and finished, the running gauge,
// per-target results and automation latency.
type PrometheusSink struct {
	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec

	targetResults  *prometheus.CounterVec
	targetDuration *prometheus.HistogramVec
	postsScraped   prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg (the default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_runs_started_total",
			Help: "Job runs started, partitioned by fresh start or resume.",
		}, []string{"kind"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_runs_finished_total",
			Help: "Job runs finished, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_job_runs_in_flight",
			Help: "Job runs currently executing.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_job_run_seconds",
			Help:    "Wall time per job run.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		}, []string{"result"}),
		targetResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_targets_total",
			Help: "Target outcomes partitioned by site and result.",
		}, []string{"site", "result"}),
		targetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_target_automation_seconds",
			Help:    "Browser automation time per target.",
			Buckets: []float64{1, 2.5, 5, 10, 15, 20, 30, 45},
		}, []string{"site", "result"}),
		postsScraped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_posts_scraped_total",
			Help: "Records acknowledged by the in-page extractor.",
		}),
		tracker: &jobTracker{running: make(map[string]struct{})},
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.targetResults,
		s.targetDuration,
		s.postsScraped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.WithLabelValues("start").Inc()
			s.markRunning(evt.JobID)
		case progress.StageJobResume:
			s.jobsStarted.WithLabelValues("resume").Inc()
			s.markRunning(evt.JobID)
		case progress.StageJobDone:
			s.jobsFinished.WithLabelValues(evt.Result).Inc()
			if evt.Dur > 0 {
				s.jobRuntime.WithLabelValues(evt.Result).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(evt.JobID) {
				s.jobsRunning.Dec()
			}
		case progress.StageTargetDone:
			site := evt.Site
			if site == "" {
				site = "unknown"
			}
			s.targetResults.WithLabelValues(site, evt.Result).Inc()
			if evt.Result != progress.ResultSkipped && evt.Dur > 0 {
				s.targetDuration.WithLabelValues(site, evt.Result).Observe(evt.Dur.Seconds())
			}
			if evt.Posts > 0 {
				s.postsScraped.Add(float64(evt.Posts))
			}
		}
	}
	return nil
}

func (s *PrometheusSink) markRunning(jobID string) {
	if s.tracker.start(jobID) {
		s.jobsRunning.Inc()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
