package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"go.uber.org/zap"
)

type task struct {
	job  domain.PendingDelivery
	done func(Result)
}

// Pool runs deliveries on a fixed number of goroutines per platform. Every
// platform has its own queue and workers, so a hung platform only ever
// occupies its own workers.
type Pool struct {
	workersPerLane int
	lanes          map[domain.Platform]chan task
	deliverer      *Deliverer
	logger         *zap.Logger
	wg             sync.WaitGroup
}

// NewPool builds one lane of workersPerLane goroutines for each platform.
func NewPool(platforms []domain.Platform, workersPerLane int, deliverer *Deliverer, logger *zap.Logger) *Pool {
	if workersPerLane <= 0 {
		workersPerLane = 1
	}
	lanes := make(map[domain.Platform]chan task, len(platforms))
	for _, p := range platforms {
		lanes[p] = make(chan task, workersPerLane)
	}
	return &Pool{
		workersPerLane: workersPerLane,
		lanes:          lanes,
		deliverer:      deliverer,
		logger:         logger,
	}
}

// Start launches the workers. They run until Stop closes the task channels.
func (p *Pool) Start(ctx context.Context) {
	for _, tasks := range p.lanes {
		for i := 0; i < p.workersPerLane; i++ {
			p.wg.Add(1)
			go p.worker(ctx, tasks)
		}
	}
	p.logger.Info("worker pool started",
		zap.Int("lanes", len(p.lanes)),
		zap.Int("workers_per_lane", p.workersPerLane),
	)
}

// Submit queues job on its platform's lane and calls done with its result.
// It blocks while that lane is saturated and returns ctx.Err() if ctx ends
// first, in which case done is never called.
func (p *Pool) Submit(ctx context.Context, job domain.PendingDelivery, done func(Result)) error {
	tasks, ok := p.lanes[job.Platform]
	if !ok {
		return fmt.Errorf("no worker lane for %s", job.Platform)
	}
	select {
	case tasks <- task{job: job, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the task channels and waits for in-flight deliveries.
func (p *Pool) Stop() {
	for _, tasks := range p.lanes {
		close(tasks)
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, tasks <-chan task) {
	defer p.wg.Done()

	for t := range tasks {
		if err := ctx.Err(); err != nil {
			// Abandoned: the row stays pending for the next poll.
			t.done(Result{EventID: t.job.Event.EventID, Platform: t.job.Platform, Err: err})
			continue
		}
		t.done(p.deliverer.Deliver(ctx, t.job))
	}
}
