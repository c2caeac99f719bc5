package coordinator

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
)

type task struct {
	jobID string
	fn    func(context.Context)
}

// dispatcher runs per-job work on a fixed set of shard goroutines. Work for
// one job always lands on the same shard, so it runs in enqueue order.
type dispatcher struct {
	shards []chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDispatcher(shards, queueSize int) *dispatcher {
	if shards <= 0 {
		shards = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{shards: make([]chan task, shards), ctx: ctx, cancel: cancel}
	for i := range d.shards {
		d.shards[i] = make(chan task, queueSize)
		d.wg.Add(1)
		go d.loop(d.shards[i])
	}
	return d
}

func (d *dispatcher) loop(ch chan task) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case t := <-ch:
			d.run(t)
		}
	}
}

func (d *dispatcher) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("coordinator: task for job %s panicked: %v", t.jobID, r)
		}
	}()
	t.fn(d.ctx)
}

// enqueue blocks while the shard is full, until ctx or the dispatcher ends.
func (d *dispatcher) enqueue(ctx context.Context, jobID string, fn func(context.Context)) error {
	ch := d.shards[shardOf(jobID, len(d.shards))]
	select {
	case <-d.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case ch <- task{jobID: jobID, fn: fn}:
		return nil
	case <-d.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) close() {
	d.cancel()
	d.wg.Wait()
}

func shardOf(jobID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return int(h.Sum32() % uint32(n))
}
