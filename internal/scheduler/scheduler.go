// Package scheduler runs named jobs on fixed intervals. Every job runs in its
// own goroutine, jobs never wait for each other and a run that is still going
// when its next tick arrives makes that tick a no-op.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

type Job func(ctx context.Context) error

type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func New() *Scheduler {
	logger := cron.PrintfLogger(log.StandardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger)),
		),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// every fires at a fixed interval, keeping sub-second precision that
// cron.Every would truncate
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// Every registers job to run once per interval
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return errors.Errorf("invalid interval %s for job %s", interval, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return errors.Errorf("job %s already scheduled", name)
	}

	id := s.cron.Schedule(every(interval), cron.FuncJob(func() {
		s.run(name, job)
	}))
	s.entries[name] = id
	log.Debugf("scheduled %s every %s", name, interval)
	return nil
}

// RunNow runs a registered job synchronously, outside of its schedule
func (s *Scheduler) RunNow(name string, job Job) {
	s.run(name, job)
}

// run never lets a panic escape, the skip-if-running token of the job is
// only handed back when the job returns normally
func (s *Scheduler) run(name string, job Job) {
	if s.ctx.Err() != nil {
		return
	}
	started := time.Now()
	if err := s.safely(job); err != nil {
		log.Errorf("%s failed after %s: %v", name, time.Since(started), err)
		return
	}
	log.Debugf("%s finished in %s", name, time.Since(started))
}

// Jobs returns the names of the registered jobs
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the context handed to jobs and waits for running jobs to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) safely(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return job(s.ctx)
}
