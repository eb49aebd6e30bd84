package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// JobFunc is the callback of a periodic job. caller is the scheduler's own
// identity, which tick-only operations check.
type JobFunc func(ctx context.Context, caller Identity) error

// PeriodicJob is a callback invoked at a fixed interval
type PeriodicJob struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

type runningJob struct {
	job   PeriodicJob
	stop  chan struct{}
	tick  *sync.Mutex // shared by every loop ever started under this name
	ticks atomic.Uint64
}

// Scheduler runs periodic jobs, each on its own ticker goroutine. Ticks of
// one job name never overlap, even when a job is restarted while its old
// loop is still finishing a tick. Start and Stop are idempotent.
type Scheduler struct {
	identity Identity
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	jobs  map[string]*runningJob
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup
}

// NewScheduler creates a Scheduler whose jobs run as identity
func NewScheduler(identity Identity) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		identity: identity,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*runningJob),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Identity returns the caller identity the scheduler runs jobs as
func (s *Scheduler) Identity() Identity { return s.identity }

// Start registers and starts a job. Starting a job that is already running
// is a no-op and returns false.
func (s *Scheduler) Start(job PeriodicJob) bool {
	if job.Interval <= 0 {
		panic(fmt.Sprintf("scheduler: job %q has non-positive interval %v", job.Name, job.Interval))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	if _, ok := s.jobs[job.Name]; ok {
		return false
	}
	lock, ok := s.locks[job.Name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[job.Name] = lock
	}
	rj := &runningJob{job: job, stop: make(chan struct{}), tick: lock}
	s.jobs[job.Name] = rj
	s.wg.Add(1)
	go s.loop(rj)
	log.Printf("scheduler: %s started every %v", job.Name, job.Interval)
	return true
}

// Stop deregisters a job. Stopping a job that is not running returns
// ErrSchedulerNotRunning, which callers treat as success. Stop does not
// wait for an in-flight tick, so a job may stop itself.
func (s *Scheduler) Stop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrSchedulerNotRunning)
	}
	delete(s.jobs, name)
	close(rj.stop)
	log.Printf("scheduler: %s stopped after %d ticks", name, rj.ticks.Load())
	return nil
}

// Running reports whether a job is registered
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Ticks returns how many times a running job has fired
func (s *Scheduler) Ticks(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rj, ok := s.jobs[name]; ok {
		return rj.ticks.Load()
	}
	return 0
}

// StopAll stops every job and waits for in-flight ticks to finish. It must
// not be called from inside a job.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for name, rj := range s.jobs {
		delete(s.jobs, name)
		close(rj.stop)
	}
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runTick(rj *runningJob) {
	rj.tick.Lock()
	defer rj.tick.Unlock()
	// A restart may have waited on the old loop's tick; it could have been
	// stopped meanwhile.
	select {
	case <-rj.stop:
		return
	default:
	}
	rj.ticks.Add(1)
	if err := rj.job.Run(s.ctx, s.identity); err != nil {
		log.Printf("scheduler: %s: %v", rj.job.Name, err)
	}
}

func (s *Scheduler) loop(rj *runningJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(rj.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Prefer stopping over one more tick when both are ready
			select {
			case <-rj.stop:
				return
			default:
			}
			s.runTick(rj)
		case <-rj.stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}
