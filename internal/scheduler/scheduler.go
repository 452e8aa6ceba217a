// Package scheduler drives the time-based escrow automation: release
// clocks, refund windows, reminders, fraud scans, rating recomputes,
// payout retries, and retention cleanup.
//
// Each job runs on its own ticker. A job never overlaps itself, never
// bypasses the state machine (everything goes through service
// operations whose conditional updates re-validate eligibility), and a
// panic or error in one tick only costs that tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amana",
		Subsystem: "jobs",
		Name:      "runs_total",
		Help:      "Completed job ticks by job name.",
	}, []string{"job"})

	jobErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amana",
		Subsystem: "jobs",
		Name:      "errors_total",
		Help:      "Job ticks that returned an error, by job name.",
	}, []string{"job"})

	jobProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amana",
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Candidates acted on by job name.",
	}, []string{"job"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "amana",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Job tick duration by job name.",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(jobRuns, jobErrors, jobProcessed, jobDuration)
}

// Job is one periodic sweep. Run returns how many candidates it acted
// on; errors are logged and counted, never fatal.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

type runningJob struct {
	Job
	inflight atomic.Bool
}

// Scheduler runs a set of jobs until stopped.
type Scheduler struct {
	jobs    []*runningJob
	logger  *slog.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, stop: make(chan struct{})}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(j Job) {
	s.jobs = append(s.jobs, &runningJob{Job: j})
}

// Names returns the registered job names, for logging and tests.
func (s *Scheduler) Names() []string {
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Start launches one goroutine per job. Each job runs once on start,
// then on its interval. Call Stop (or cancel ctx) to shut down.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop signals all job loops to exit and waits for in-flight ticks.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j *runningJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	s.tick(ctx, j)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx, j)
		}
	}
}

// tick runs one sweep unless the previous one is still going.
func (s *Scheduler) tick(ctx context.Context, j *runningJob) {
	if !j.inflight.CompareAndSwap(false, true) {
		s.logger.Warn("job still running, skipping tick", "job", j.Name)
		return
	}
	defer j.inflight.Store(false)

	defer func() {
		if r := recover(); r != nil {
			jobErrors.WithLabelValues(j.Name).Inc()
			s.logger.Error("job panicked", "job", j.Name, "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	n, err := j.Run(ctx)
	jobDuration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())
	jobRuns.WithLabelValues(j.Name).Inc()
	if err != nil {
		jobErrors.WithLabelValues(j.Name).Inc()
		s.logger.Warn("job tick failed", "job", j.Name, "error", err)
		return
	}
	if n > 0 {
		jobProcessed.WithLabelValues(j.Name).Add(float64(n))
		s.logger.Info("job tick", "job", j.Name, "processed", n, "took", time.Since(start))
	}
}

// RunOnce triggers a single named job immediately, for ops tooling and
// tests. Returns false if no such job is registered.
func (s *Scheduler) RunOnce(ctx context.Context, name string) bool {
	for _, j := range s.jobs {
		if j.Name == name {
			s.tick(ctx, j)
			return true
		}
	}
	return false
}
