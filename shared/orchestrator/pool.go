package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs several workers against the same queue and store.
type Pool struct {
	workers []*Worker
}

// NewPool builds size workers with newWorker.
func NewPool(size int, newWorker func(i int) *Worker) *Pool {
	if size < 1 {
		size = 1
	}
	workers := make([]*Worker, 0, size)
	for i := 0; i < size; i++ {
		workers = append(workers, newWorker(i))
	}
	return &Pool{workers: workers}
}

func (p *Pool) Size() int { return len(p.workers) }

// Run blocks until ctx is done or a worker fails; a failing worker stops
// the rest.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}
