// Package scheduler runs the periodic maintenance jobs: expiring campaigns
// and confirming pending donations.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/fundraiser/internal/app/metrics"
	"github.com/R3E-Network/fundraiser/internal/app/system"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

// Job is one unit of scheduled work. It returns how many records it changed.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Scheduler wraps a cron runner with the service lifecycle.
type Scheduler struct {
	log     *logger.Logger
	timeout time.Duration
	jobs    []Job

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

var _ system.Service = (*Scheduler)(nil)

// New creates a scheduler. Each run gets at most timeout to finish.
func New(log *logger.Logger, timeout time.Duration) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{log: log, timeout: timeout}
}

// Add registers a job. The schedule is validated immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run func")
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("job %s: scheduler already running", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

func (s *Scheduler) Name() string { return "scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	cl := cronLogger{entry: s.log.Entry}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	for _, job := range s.jobs {
		job := job
		if _, err := c.AddFunc(job.Spec, func() { s.RunNow(runCtx, job) }); err != nil {
			s.cancel()
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.WithField("jobs", len(s.jobs)).Info("scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.running = false
	s.cancel()
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

// RunNow executes a job synchronously with the run timeout.
func (s *Scheduler) RunNow(ctx context.Context, job Job) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := job.Run(runCtx)
	duration := time.Since(start)
	metrics.RecordJobRun(job.Name, duration, err == nil)

	entry := s.log.WithField("job", job.Name).WithField("duration", duration)
	if err != nil {
		entry.WithError(err).Warn("scheduled job failed")
		return
	}
	if n > 0 {
		entry.WithField("changed", n).Info("scheduled job completed")
	} else {
		entry.Debug("scheduled job completed")
	}
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
