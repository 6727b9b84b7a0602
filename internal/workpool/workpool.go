// Package workpool runs resolve and decode work on fixed sets of worker
// goroutines, one set per lane, fed through bounded queues.
//
// Lanes keep slow network resolution from starving decoding and vice versa.
// A full lane queue blocks the submitter until a slot frees or its context
// ends.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned for work submitted to, or still queued in, a closed
// pool.
var ErrClosed = errors.New("workpool: closed")

// Lane names a class of work with its own workers and queue.
type Lane int

const (
	// Resolve runs reference resolution.
	Resolve Lane = iota

	// Decode runs track productions.
	Decode
)

// String returns the lane name.
func (l Lane) String() string {
	switch l {
	case Resolve:
		return "resolve"
	case Decode:
		return "decode"
	default:
		return fmt.Sprintf("lane(%d)", int(l))
	}
}

// Config sizes the pool. Zero values fall back to the defaults.
type Config struct {
	ResolveWorkers int
	DecodeWorkers  int
	QueueDepth     int
}

const (
	defaultResolveWorkers = 4
	defaultDecodeWorkers  = 16
	defaultQueueDepth     = 64
)

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Pool is a set of lanes. It is safe for concurrent use.
type Pool struct {
	lanes map[Lane]chan job

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New starts the workers of every lane.
func New(cfg Config) *Pool {
	if cfg.ResolveWorkers <= 0 {
		cfg.ResolveWorkers = defaultResolveWorkers
	}
	if cfg.DecodeWorkers <= 0 {
		cfg.DecodeWorkers = defaultDecodeWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}

	p := &Pool{
		lanes: map[Lane]chan job{
			Resolve: make(chan job, cfg.QueueDepth),
			Decode:  make(chan job, cfg.QueueDepth),
		},
		done: make(chan struct{}),
	}
	p.start(Resolve, cfg.ResolveWorkers)
	p.start(Decode, cfg.DecodeWorkers)
	return p
}

func (p *Pool) start(l Lane, n int) {
	jobs := p.lanes[l]
	for range n {
		p.wg.Go(func() {
			for {
				select {
				case <-p.done:
					return
				case j := <-jobs:
					j.done <- p.run(l, j)
				}
			}
		})
	}
}

func (p *Pool) run(l Lane, j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("workpool: job panicked", "lane", l.String(), "panic", r)
			err = fmt.Errorf("workpool: %s job panicked: %v", l, r)
		}
	}()
	return j.fn(j.ctx)
}

// Do runs fn on a worker of lane l and returns its error. It blocks while
// the lane queue is full and while fn runs, and returns early with
// ctx.Err() when ctx ends. fn receives ctx.
func (p *Pool) Do(ctx context.Context, l Lane, fn func(context.Context) error) error {
	jobs, ok := p.lanes[l]
	if !ok {
		return fmt.Errorf("workpool: unknown lane %s", l)
	}
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case jobs <- j:
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		// A queued job is skipped by its worker; a running one sees ctx.
		return ctx.Err()
	case <-p.done:
		// The worker may still be finishing fn; its result is dropped.
		return ErrClosed
	}
}

// Queued returns the number of jobs waiting in lane l.
func (p *Pool) Queued(l Lane) int {
	return len(p.lanes[l])
}

// Close stops the workers. Running jobs are not interrupted; callers cancel
// them through their contexts. Close waits for the workers to exit.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
	return nil
}
