package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrPoolClosed = eris.New("pipeline: pool closed")

type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of workers in FIFO order. Submit never
// blocks, so a task may safely submit follow-up work.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	closed bool
	group  *errgroup.Group
}

// NewPool starts workers that run tasks with ctx. Cancelling ctx does not stop
// the workers; tasks are expected to observe it. Call Close to stop them.
func NewPool(ctx context.Context, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{group: new(errgroup.Group)}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
	return p
}

func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return p.group.Wait()
}

func (p *Pool) work(ctx context.Context) {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(ctx, task)
	}
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("pipeline: task panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	task(ctx)
}
