// Package worker runs pipeline jobs on a fixed pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"anamnesis-pipeline-go/internal/logger"
	"anamnesis-pipeline-go/internal/pipeline"
	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/types"
)

var (
	// ErrStopped is returned by Submit once the pool is stopping.
	ErrStopped = errors.New("worker pool stopped")
	// ErrDuplicate is returned when the job is already waiting or running.
	ErrDuplicate = errors.New("job already scheduled")
)

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) error
}

// Queue is the persisted job queue.
type Queue interface {
	PendingQueue(ctx context.Context) ([]store.Job, error)
	ResyncQueue(ctx context.Context) error
}

// Config sizes the pool. Zero values fall back to one worker and a
// 64-request buffer.
type Config struct {
	Concurrency int
	Buffer      int
	// ResyncSpec is a cron spec for queue position recomputation. Empty
	// disables it.
	ResyncSpec string
}

// Pool feeds submitted requests to Concurrency workers. A job id is never
// scheduled twice while it is waiting or running.
type Pool struct {
	runner Runner
	queue  Queue
	cfg    Config
	log    *logger.Logger

	reqs chan pipeline.Request
	quit chan struct{}
	wg   sync.WaitGroup
	cron *cron.Cron

	mu        sync.Mutex
	scheduled map[string]struct{}
	started   bool
	stopped   bool
}

// New validates cfg and returns a pool that is not yet started.
func New(runner Runner, queue Queue, cfg Config, log *logger.Logger) (*Pool, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if log == nil {
		log = logger.Discard()
	}
	p := &Pool{
		runner:    runner,
		queue:     queue,
		cfg:       cfg,
		log:       log.Component("worker"),
		reqs:      make(chan pipeline.Request, cfg.Buffer),
		quit:      make(chan struct{}),
		scheduled: make(map[string]struct{}),
	}
	if cfg.ResyncSpec != "" {
		if _, err := cron.ParseStandard(cfg.ResyncSpec); err != nil {
			return nil, fmt.Errorf("worker: resync spec %q: %w", cfg.ResyncSpec, err)
		}
	}
	return p, nil
}

// Start launches the workers and the resync schedule, then enqueues every
// job still queued in the store. ctx bounds the job runs.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("worker: pool already started")
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}

	if p.cfg.ResyncSpec != "" {
		p.cron = cron.New()
		_, err := p.cron.AddFunc(p.cfg.ResyncSpec, func() {
			if err := p.queue.ResyncQueue(ctx); err != nil {
				p.log.WithError(err).Warn("queue resync failed")
			}
		})
		if err != nil {
			return fmt.Errorf("worker: schedule resync: %w", err)
		}
		p.cron.Start()
	}

	recovered, err := p.Recover(ctx)
	if err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"workers":   p.cfg.Concurrency,
		"recovered": recovered,
	}).Info("worker pool started")
	return nil
}

// Recover enqueues jobs left in the queued state and returns how many were
// scheduled.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	pending, err := p.queue.PendingQueue(ctx)
	if err != nil {
		return 0, fmt.Errorf("worker: recover queue: %w", err)
	}
	n := 0
	for _, j := range pending {
		err := p.Submit(ctx, RequestFromJob(j))
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrDuplicate):
		default:
			return n, err
		}
	}
	return n, nil
}

// Submit schedules req. It blocks while the buffer is full.
func (p *Pool) Submit(ctx context.Context, req pipeline.Request) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if _, ok := p.scheduled[req.JobID]; ok {
		p.mu.Unlock()
		return ErrDuplicate
	}
	p.scheduled[req.JobID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.reqs <- req:
		return nil
	case <-p.quit:
		p.release(req.JobID)
		return ErrStopped
	case <-ctx.Done():
		p.release(req.JobID)
		return ctx.Err()
	}
}

// Stop stops the schedule and waits for running jobs. Requests still in the
// buffer stay queued in the store for the next Recover.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	close(p.quit)
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) work(ctx context.Context, n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case req := <-p.reqs:
			p.run(ctx, n, req)
		}
	}
}

func (p *Pool) run(ctx context.Context, n int, req pipeline.Request) {
	defer p.release(req.JobID)
	log := p.log.WithJob(req.JobID, req.ConsultationID).WithField("worker", n)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("job panicked")
		}
	}()
	if err := p.runner.Run(ctx, req); err != nil {
		log.WithError(err).Warn("job run failed")
	}
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	delete(p.scheduled, id)
	p.mu.Unlock()
}

// RequestFromJob rebuilds the run arguments stored with a job.
func RequestFromJob(j store.Job) pipeline.Request {
	req := pipeline.Request{
		JobID:     j.ID,
		AudioPath: j.MetaString("original_path"),
		Type:      j.Type,
		UserID:    j.UserID,
		Notes:     j.MetaString("notes"),
	}
	if req.Type == "" {
		req.Type = types.JobTypeMain
	}
	if j.ConsultationID != nil {
		req.ConsultationID = *j.ConsultationID
	}
	return req
}

// Inline runs each submitted request immediately on the caller's goroutine.
type Inline struct {
	Runner Runner
}

// Submit runs req and returns its error.
func (i Inline) Submit(ctx context.Context, req pipeline.Request) error {
	return i.Runner.Run(ctx, req)
}
