package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// StreamOptions configures Stream.
type StreamOptions struct {
	Sets       []ShardSet
	Seed       int64
	NumWorkers int
	PendingCap int
	// Epochs bounds the passes over every shard. Zero streams until the
	// context ends.
	Epochs int
}

// Stream reads shards on NumWorkers goroutines and emits their samples in
// schedule order: sets take turns one shard at a time, and the shards of a
// set are reshuffled by Seed every epoch. The sample channel closes when the
// schedule is exhausted, the context ends or a shard fails. A shard failure
// is delivered on the error channel before it closes; cancellation is not.
func Stream(ctx context.Context, opts StreamOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Sets) == 0 {
		return nil, nil, errors.New("stream: no shard sets provided")
	}
	total := 0
	for _, set := range opts.Sets {
		total += len(set.Shards)
	}
	if total == 0 {
		return nil, nil, errors.New("stream: no shards discovered")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan shardJob, opts.NumWorkers)
	opened := make(chan openShard, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, 1)

	rng := rand.New(rand.NewSource(opts.Seed))
	g.Go(func() error { return schedule(gctx, jobs, opts.Sets, rng, opts.Epochs) })

	var readers sync.WaitGroup
	readers.Add(opts.NumWorkers)
	for i := 0; i < opts.NumWorkers; i++ {
		g.Go(func() error {
			defer readers.Done()
			return openShards(gctx, jobs, opened, opts.PendingCap)
		})
	}
	g.Go(func() error {
		readers.Wait()
		close(opened)
		return nil
	})
	g.Go(func() error { return emit(gctx, opened, out) })

	go func() {
		err := g.Wait()
		close(out)
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()
	return out, errCh, nil
}

type shardJob struct {
	id   int64
	path string
	task int
}

type openShard struct {
	shardJob
	samples <-chan Sample
	errs    <-chan error
}

func schedule(ctx context.Context, jobs chan<- shardJob, sets []ShardSet, rng *rand.Rand, epochs int) error {
	defer close(jobs)
	var id int64
	for epoch := 0; epochs <= 0 || epoch < epochs; epoch++ {
		for _, job := range interleave(sets, rng) {
			job.id = id
			select {
			case <-ctx.Done():
				return ctx.Err()
			case jobs <- job:
				id++
			}
		}
	}
	return nil
}

// interleave shuffles each set's shards and deals them out one set at a
// time, in set order, until every set is exhausted.
func interleave(sets []ShardSet, rng *rand.Rand) []shardJob {
	queues := make([][]string, len(sets))
	remaining := 0
	for i, set := range sets {
		queues[i] = slices.Clone(set.Shards)
		if rng != nil {
			rng.Shuffle(len(queues[i]), func(a, b int) {
				queues[i][a], queues[i][b] = queues[i][b], queues[i][a]
			})
		}
		remaining += len(queues[i])
	}
	order := make([]shardJob, 0, remaining)
	for len(order) < remaining {
		for i := range queues {
			if len(queues[i]) == 0 {
				continue
			}
			order = append(order, shardJob{path: queues[i][0], task: sets[i].Task})
			queues[i] = queues[i][1:]
		}
	}
	return order
}

func openShards(ctx context.Context, jobs <-chan shardJob, opened chan<- openShard, pendingCap int) error {
	for job := range jobs {
		samples, errs := StreamShard(ctx, job.path, pendingCap)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opened <- openShard{shardJob: job, samples: samples, errs: errs}:
		}
	}
	return nil
}

// emit forwards opened shards strictly in job order, whichever worker opened
// them.
func emit(ctx context.Context, opened <-chan openShard, out chan<- Sample) error {
	pending := make(map[int64]openShard)
	var next int64
	for {
		shard, ok := pending[next]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case s, more := <-opened:
				if !more {
					return nil
				}
				pending[s.id] = s
			}
			continue
		}
		delete(pending, next)
		if err := drain(ctx, shard, out); err != nil {
			return err
		}
		next++
	}
}

func drain(ctx context.Context, shard openShard, out chan<- Sample) error {
	for sample := range shard.samples {
		sample.Task = shard.task
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- sample:
		}
	}
	if err := <-shard.errs; err != nil {
		return fmt.Errorf("stream %s: %w", shard.path, err)
	}
	return nil
}
