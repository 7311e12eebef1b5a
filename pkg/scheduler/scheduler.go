package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is the work of a scheduled job.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	spec    string
	run     JobFunc
	entryID cron.EntryID

	// mu serializes runs of this job, scheduled or manual
	mu sync.Mutex
}

// Scheduler runs maintenance jobs on cron schedules. A job never overlaps
// itself: a tick that fires while the previous run is still going is
// skipped, and a panicking job is logged and recovered.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	jobs    map[string]*job
	logger  *slog.Logger
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs:   make(map[string]*job),
		logger: logger,
	}
}

// AddJob schedules fn under name using a standard 5-field cron expression
// or a descriptor such as "@hourly". An empty spec registers the job for
// RunNow only.
func (s *Scheduler) AddJob(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already added", name)
	}
	j := &job{name: name, spec: spec, run: fn}

	if spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid cron schedule %q for job %q: %w", spec, name, err)
		}
		id, err := s.cron.AddFunc(spec, func() { s.execute(s.jobContext(), j, "schedule") })
		if err != nil {
			return fmt.Errorf("failed to schedule job %q: %w", name, err)
		}
		j.entryID = id
	} else {
		s.logger.Info("job has no schedule, manual runs only", "job", name)
	}

	s.jobs[name] = j
	return nil
}

// Start begins running scheduled jobs. Jobs receive a context derived from
// ctx; the scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "jobs", len(s.jobs))

	go func(done <-chan struct{}) {
		<-done
		s.Stop()
	}(s.ctx.Done())
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	<-done.Done()
	cancel()
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the scheduler has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow runs the named job immediately and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j, "manual")
}

// NextRun returns the next scheduled time of the named job. It reports false
// when the job is unknown, unscheduled or the scheduler is not running.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok || j.entryID == 0 {
		return time.Time{}, false
	}
	next := s.cron.Entry(j.entryID).Next
	return next, !next.IsZero()
}

// Jobs returns the registered job names in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) execute(ctx context.Context, j *job, trigger string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	err := j.run(ctx)
	if err != nil {
		s.logger.Error("job failed",
			"job", j.name,
			"trigger", trigger,
			"duration", time.Since(start),
			"error", err,
		)
		return err
	}
	s.logger.Debug("job completed", "job", j.name, "trigger", trigger, "duration", time.Since(start))
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
