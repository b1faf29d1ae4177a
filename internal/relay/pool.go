package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a function that represents a background job
type Task func(ctx context.Context) error

// Pool runs relay maintenance jobs, such as idle-room reaping, on a
// fixed set of workers with a bounded queue.
type Pool struct {
	taskQueue chan Task
	wg        sync.WaitGroup
	isClosing atomic.Bool
	log       zerolog.Logger
}

func NewPool(size int, logger zerolog.Logger) *Pool {
	p := &Pool{
		taskQueue: make(chan Task, 256),
		log:       logger,
	}

	for range size {
		p.wg.Add(1)
		go p.startWorker()
	}

	return p
}

func (p *Pool) startWorker() {
	defer p.wg.Done()
	for task := range p.taskQueue {
		if err := task(context.Background()); err != nil {
			p.log.Error().Err(err).Msg("maintenance task failed")
		}
	}
}

func (p *Pool) Submit(t Task) {
	if p.isClosing.Load() {
		p.log.Warn().Msg("task submitted during shutdown, dropping")
		return
	}
	select {
	case p.taskQueue <- t:
	default:
		p.log.Warn().Msg("task queue full, dropping task")
	}
}

// Shutdown closes the queue and waits for workers to finish. Safe to
// call more than once.
func (p *Pool) Shutdown() {
	if p.isClosing.CompareAndSwap(false, true) {
		close(p.taskQueue)
	}
	p.wg.Wait()
}
