package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/maildigest/internal/lock"
	"github.com/nhle/maildigest/internal/logging"
	"github.com/nhle/maildigest/internal/metrics"
)

// SyncState represents the current state of a scheduled job.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// SyncStatus holds the state of a single job.
type SyncStatus struct {
	Job         string
	State       SyncState
	LastRun     time.Time
	LastSuccess time.Time
	Runs        int
	Skipped     int
	Error       error
}

// RunResult is published after every tick of a job.
type RunResult struct {
	Job      string
	Skipped  bool
	Duration time.Duration
	Err      error
}

// Job is a periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run. Zero means defaultTimeout.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

const (
	defaultInterval = 5 * time.Minute
	defaultTimeout  = 10 * time.Minute
)

// ErrRunning is returned when registering on a started scheduler.
var ErrRunning = errors.New("scheduler already running")

type jobEntry struct {
	job     Job
	trigger chan struct{}
}

// Scheduler runs registered jobs on their intervals. A job whose
// previous run still holds its lock, in this process or another one
// sharing the locker, skips the tick.
type Scheduler struct {
	locker   lock.Locker
	logger   *zap.Logger
	jobs     []jobEntry
	statuses map[string]*SyncStatus
	resultCh chan RunResult
	stopCh   chan struct{}
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
}

// New creates a Scheduler. A nil locker means an in-process one.
func New(locker lock.Locker, logger *zap.Logger) *Scheduler {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Scheduler{
		locker:   locker,
		logger:   logging.OrNop(logger),
		statuses: make(map[string]*SyncStatus),
		resultCh: make(chan RunResult, 16),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrRunning
	}
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if _, dup := s.statuses[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	if job.Interval <= 0 {
		job.Interval = defaultInterval
	}
	if job.Timeout <= 0 {
		job.Timeout = defaultTimeout
	}

	s.jobs = append(s.jobs, jobEntry{job: job, trigger: make(chan struct{}, 1)})
	s.statuses[job.Name] = &SyncStatus{Job: job.Name, State: SyncIdle}
	return nil
}

// Start launches one goroutine per job. Each job runs once immediately,
// then on every tick, until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrRunning
	}
	s.running = true

	for _, entry := range s.jobs {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, entry)
		}()
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts all job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger asks a job to run now. It reports false for unknown jobs. A
// trigger while one is already queued is coalesced.
func (s *Scheduler) Trigger(name string) bool {
	for _, entry := range s.jobs {
		if entry.job.Name != name {
			continue
		}
		select {
		case entry.trigger <- struct{}{}:
		default:
		}
		return true
	}
	return false
}

// Statuses returns a snapshot of every job, ordered by name.
func (s *Scheduler) Statuses() []SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		statuses = append(statuses, *st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Job < statuses[j].Job })
	return statuses
}

// Results delivers run results. Results are dropped when nobody reads.
func (s *Scheduler) Results() <-chan RunResult {
	return s.resultCh
}

func (s *Scheduler) loop(ctx context.Context, entry jobEntry) {
	ticker := time.NewTicker(entry.job.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, entry.job)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, entry.job)
		case <-entry.trigger:
			s.runOnce(ctx, entry.job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	logger := s.logger.With(zap.String("job", job.Name))

	unlock, ok, err := s.locker.TryLock(ctx, "job:"+job.Name, job.Timeout)
	if err != nil {
		logger.Warn("acquiring job lock failed", zap.Error(err))
		s.finish(job.Name, RunResult{Job: job.Name, Err: err})
		return
	}
	if !ok {
		logger.Debug("previous run still active, skipping tick")
		s.finish(job.Name, RunResult{Job: job.Name, Skipped: true})
		return
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("releasing job lock failed", zap.Error(err))
		}
	}()

	s.setState(job.Name, SyncRunning)

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	start := time.Now()
	err = job.Run(runCtx)
	res := RunResult{Job: job.Name, Duration: time.Since(start), Err: err}
	if err != nil {
		logger.Warn("job run failed", zap.Duration("duration", res.Duration), zap.Error(err))
	} else {
		logger.Debug("job run finished", zap.Duration("duration", res.Duration))
	}
	s.finish(job.Name, res)
}

func (s *Scheduler) setState(name string, state SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.statuses[name]; ok {
		st.State = state
	}
}

// finish records a result on the job's status and publishes it without
// blocking.
func (s *Scheduler) finish(name string, res RunResult) {
	outcome := "success"
	switch {
	case res.Skipped:
		outcome = "skipped"
	case res.Err != nil:
		outcome = "failure"
	}
	metrics.RecordSchedulerRun(name, outcome)

	s.mu.Lock()
	if st, ok := s.statuses[name]; ok {
		now := time.Now()
		switch {
		case res.Skipped:
			st.Skipped++
		case res.Err != nil:
			st.Runs++
			st.LastRun = now
			st.State = SyncError
			st.Error = res.Err
		default:
			st.Runs++
			st.LastRun = now
			st.LastSuccess = now
			st.State = SyncIdle
			st.Error = nil
		}
	}
	s.mu.Unlock()

	select {
	case s.resultCh <- res:
	default:
	}
}
