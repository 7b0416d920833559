package scanrunner

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("scan worker pool closed")

// Task is one unit of scan work. It receives the pool's context, which is
// not cancelled by the submitter.
type Task func(ctx context.Context)

// Pool runs at most concurrency tasks at a time on long-lived workers.
type Pool struct {
	tasks     chan Task
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Start launches concurrency worker goroutines. Tasks run with ctx; cancel it
// only to abort in-flight work, use Close for an orderly stop.
func Start(ctx context.Context, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pool{
		tasks: make(chan Task),
		quit:  make(chan struct{}),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func(idx int) {
			defer p.wg.Done()
			for {
				select {
				case <-p.quit:
					return
				case task := <-p.tasks:
					p.run(ctx, idx, task)
				}
			}
		}(i)
	}
	zap.S().Named("scanrunner").Infow("scan workers started", "workers", concurrency)
	return p
}

func (p *Pool) run(ctx context.Context, idx int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Named("scanrunner").Errorw("scan task panicked", "worker", idx, "panic", r)
		}
	}()
	task(ctx)
}

// Submit blocks until a worker picks the task up. It returns ctx.Err() if
// the caller gives up first and ErrPoolClosed after Close; in both cases the
// task never runs.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
}

// Close stops accepting tasks and waits for running tasks to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
	zap.S().Named("scanrunner").Info("scan workers stopped")
}
