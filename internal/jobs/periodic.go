package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Defaults for periodic jobs.
const (
	DefaultInterval = time.Hour
	DefaultTimeout  = 30 * time.Second
)

// Task is one execution of a job.
type Task func(ctx context.Context) error

// Config configures a Periodic job.
type Config struct {
	// Type labels the job in logs and metrics.
	Type string
	// Interval is the time between executions.
	Interval time.Duration
	// Timeout bounds each execution.
	Timeout time.Duration
	Logger  *slog.Logger
	// Reporter is optional.
	Reporter Reporter
}

// Periodic runs a Task once on Start and then every Interval.
type Periodic struct {
	config Config
	task   Task

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPeriodic creates a stopped job.
func NewPeriodic(config Config, task Task) *Periodic {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Periodic{config: config, task: task}
}

// Start launches the job in a background goroutine. Starting a running job
// is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(ctx, p.stopCh, p.doneCh)
}

// Stop signals the job and waits for the current execution to finish.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.running = false
	p.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// IsRunning reports whether the job has been started and not stopped.
func (p *Periodic) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Periodic) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.execute(ctx)
	for {
		select {
		case <-ctx.Done():
			p.config.Logger.Info("background job stopping due to context cancellation", "job_type", p.config.Type)
			return
		case <-stopCh:
			p.config.Logger.Info("background job stopping due to stop signal", "job_type", p.config.Type)
			return
		case <-ticker.C:
			p.execute(ctx)
		}
	}
}

func (p *Periodic) execute(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, p.config.Timeout)
	defer cancel()
	if err := Track(p.config.Reporter, p.config.Type, func() error { return p.task(ctx) }); err != nil {
		p.config.Logger.Error("background job failed",
			"job_type", p.config.Type,
			"error", err)
	}
}

// Track runs fn and reports its outcome under jobType. reporter may be nil.
func Track(reporter Reporter, jobType string, fn func() error) error {
	start := time.Now()
	err := fn()
	if reporter == nil {
		return err
	}
	reporter.ObserveJobDuration(jobType, time.Since(start).Seconds())
	if err != nil {
		reporter.IncJobsTotal(jobType, StatusFailure)
		reporter.IncJobErrors(jobType, errorType(err))
		return err
	}
	reporter.IncJobsTotal(jobType, StatusSuccess)
	return nil
}

func errorType(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	return ErrorTypeFailed
}
