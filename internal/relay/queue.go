package relay

import (
	"context"

	"github.com/near-examples/passkey-wallet-engine/pkg/logging"
)

// job is one unit of work submitted to the single-writer queue: a thunk
// closed over everything it needs, plus the channel its caller is
// blocked on.
type job struct {
	ctx    context.Context
	run    func(ctx context.Context) (interface{}, error)
	result chan<- jobOutcome
}

type jobOutcome struct {
	value interface{}
	err   error
}

// queue serializes every submission onto the relayer key through a single
// background goroutine, per spec.md §4.H: "each transaction is chained
// ... so only one is in flight". A bounded channel plus one consumer
// goroutine gives the same guarantee a JS Promise chain gives the
// original implementation, without needing a mutex around the relayer's
// nonce.
//
// Grounded on internal/confirmflow's single-goroutine-drives-one-request
// idiom, applied here server-side across requests instead of within one.
type queue struct {
	jobs   chan job
	done   chan struct{}
	logger *logging.Logger
}

func newQueue(logger *logging.Logger) *queue {
	q := &queue{
		jobs:   make(chan job, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.drain()
	return q
}

func (q *queue) drain() {
	for j := range q.jobs {
		value, err := j.run(j.ctx)
		j.result <- jobOutcome{value: value, err: err}
	}
	close(q.done)
}

// submit enqueues run and blocks until it has executed (in strict FIFO
// order relative to every other submission), or ctx is cancelled first —
// in which case the job still eventually runs (the queue never drops
// work), but the caller stops waiting on it.
func (q *queue) submit(ctx context.Context, run func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	result := make(chan jobOutcome, 1)
	select {
	case q.jobs <- job{ctx: ctx, run: run, result: result}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-result:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stop closes the queue once every already-submitted job has drained.
// Jobs submitted after stop panics, by design: Close() is a process
// shutdown step, not a pause.
func (q *queue) stop() {
	close(q.jobs)
	<-q.done
}
