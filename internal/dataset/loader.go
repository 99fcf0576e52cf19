package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"taskmix/internal/model"
)

// Loader yields the batch of one task partition. Repeated calls for the same
// task return the same records in the same order.
type Loader interface {
	Load(ctx context.Context, task int) (model.Batch, error)
}

// SplitTask maps a global class to its task and task-local label.
func SplitTask(label, classesPerTask int) (task, local int) {
	return label / classesPerTask, label % classesPerTask
}

// SyntheticOptions configures a Synthetic loader.
type SyntheticOptions struct {
	NumTasks       int
	ClassesPerTask int
	FeatureSize    int
	PerTask        int
	Spread         float64
	Seed           int64
	// TaskSubspace confines each task's class centers to its own block of
	// FeatureSize/NumTasks dimensions, leaving the rest zero.
	TaskSubspace bool
	// Split selects an independent draw from the same class distributions,
	// e.g. 0 for training and 1 for validation.
	Split int
}

// Synthetic draws Gaussian clusters, one per global class. Global classes are
// split into consecutive runs of ClassesPerTask and relabelled task-locally.
type Synthetic struct {
	opts    SyntheticOptions
	centers [][]float64
}

// NewSynthetic validates opts and fixes the class centers.
func NewSynthetic(opts SyntheticOptions) (*Synthetic, error) {
	if opts.NumTasks <= 0 || opts.ClassesPerTask <= 0 || opts.FeatureSize <= 0 || opts.PerTask <= 0 {
		return nil, fmt.Errorf("synthetic: tasks, classes, features and per-task size must be > 0 (got %+v)", opts)
	}
	if opts.Spread <= 0 {
		opts.Spread = 0.5
	}
	block := opts.FeatureSize
	if opts.TaskSubspace {
		block = opts.FeatureSize / opts.NumTasks
		if block == 0 {
			return nil, fmt.Errorf("synthetic: %d features cannot hold %d task subspaces", opts.FeatureSize, opts.NumTasks)
		}
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	centers := make([][]float64, opts.NumTasks*opts.ClassesPerTask)
	for c := range centers {
		task := c / opts.ClassesPerTask
		centers[c] = make([]float64, opts.FeatureSize)
		for j := range centers[c] {
			if opts.TaskSubspace && j/block != task {
				continue
			}
			centers[c][j] = rng.NormFloat64() * 2
		}
	}
	return &Synthetic{opts: opts, centers: centers}, nil
}

// WithSplit returns a loader over the same classes drawing a different split.
func (s *Synthetic) WithSplit(split int) *Synthetic {
	opts := s.opts
	opts.Split = split
	return &Synthetic{opts: opts, centers: s.centers}
}

// Load returns PerTask records of task, classes balanced round-robin.
func (s *Synthetic) Load(ctx context.Context, task int) (model.Batch, error) {
	if err := ctx.Err(); err != nil {
		return model.Batch{}, err
	}
	if task < 0 || task >= s.opts.NumTasks {
		return model.Batch{}, fmt.Errorf("synthetic: task %d out of range [0,%d)", task, s.opts.NumTasks)
	}
	rng := rand.New(rand.NewSource(s.opts.Seed + int64(task+1)*7919 + int64(s.opts.Split+1)*104729))
	batch := model.Batch{
		Task:   task,
		Inputs: make([][]float64, s.opts.PerTask),
		Labels: make([]int, s.opts.PerTask),
	}
	for i := range batch.Inputs {
		local := i % s.opts.ClassesPerTask
		center := s.centers[task*s.opts.ClassesPerTask+local]
		x := make([]float64, len(center))
		for j, c := range center {
			x[j] = c + rng.NormFloat64()*s.opts.Spread
		}
		batch.Inputs[i] = x
		batch.Labels[i] = local
	}
	rng.Shuffle(len(batch.Inputs), func(i, j int) {
		batch.Inputs[i], batch.Inputs[j] = batch.Inputs[j], batch.Inputs[i]
		batch.Labels[i], batch.Labels[j] = batch.Labels[j], batch.Labels[i]
	})
	return batch, nil
}

// ShardOptions configures a ShardLoader.
type ShardOptions struct {
	Roots          []string
	NumTasks       int
	ClassesPerTask int
	PerTask        int
	NumWorkers     int
	Seed           int64
	// RootPerTask reads root i as task i with task-local labels. Otherwise
	// labels are global and split into tasks of ClassesPerTask.
	RootPerTask bool
}

// ShardLoader partitions WebDataset shards by task. All shards are streamed
// on the first successful Load and the per-task batches are cached. A Load
// cut short by its own context caches nothing, so a later Load retries.
type ShardLoader struct {
	opts ShardOptions

	mu      sync.Mutex
	done    bool
	batches []model.Batch
	err     error
}

// NewShardLoader validates opts.
func NewShardLoader(opts ShardOptions) (*ShardLoader, error) {
	if len(opts.Roots) == 0 {
		return nil, errors.New("shard loader: no dataset roots provided")
	}
	if opts.NumTasks <= 0 || opts.ClassesPerTask <= 0 {
		return nil, fmt.Errorf("shard loader: tasks and classes per task must be > 0 (got %d, %d)", opts.NumTasks, opts.ClassesPerTask)
	}
	if opts.RootPerTask && len(opts.Roots) != opts.NumTasks {
		return nil, fmt.Errorf("shard loader: %d roots for %d tasks", len(opts.Roots), opts.NumTasks)
	}
	return &ShardLoader{opts: opts}, nil
}

// Load returns the batch of task.
func (l *ShardLoader) Load(ctx context.Context, task int) (model.Batch, error) {
	if task < 0 || task >= l.opts.NumTasks {
		return model.Batch{}, fmt.Errorf("shard loader: task %d out of range [0,%d)", task, l.opts.NumTasks)
	}
	batches, err := l.load(ctx)
	if err != nil {
		return model.Batch{}, err
	}
	if batches[task].Len() == 0 {
		return model.Batch{}, fmt.Errorf("shard loader: %w: no samples for task %d", model.ErrEmptyEnsemble, task)
	}
	return batches[task], nil
}

func (l *ShardLoader) load(ctx context.Context) ([]model.Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return l.batches, l.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batches, err := l.collect(ctx)
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil, err
	}
	l.done, l.batches, l.err = true, batches, err
	return batches, err
}

func (l *ShardLoader) collect(parent context.Context) ([]model.Batch, error) {
	sets, err := Discover(l.opts.Roots, l.opts.RootPerTask)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	samples, errs, err := Stream(ctx, StreamOptions{
		Sets:       sets,
		Seed:       l.opts.Seed,
		NumWorkers: l.opts.NumWorkers,
		Epochs:     1,
	})
	if err != nil {
		return nil, err
	}

	batches := make([]model.Batch, l.opts.NumTasks)
	for i := range batches {
		batches[i].Task = i
	}
	full := 0
	width := -1
	for sample := range samples {
		task, local := sample.Task, sample.Label
		if task < 0 {
			task, local = SplitTask(sample.Label, l.opts.ClassesPerTask)
		}
		if sample.Label < 0 || task >= l.opts.NumTasks || local >= l.opts.ClassesPerTask {
			continue
		}
		if width < 0 {
			width = len(sample.Features)
		}
		if len(sample.Features) != width {
			return nil, &model.ShapeError{Op: "shard loader: sample " + sample.Key + " features", Want: width, Got: len(sample.Features)}
		}
		b := &batches[task]
		if l.opts.PerTask > 0 && b.Len() >= l.opts.PerTask {
			continue
		}
		b.Inputs = append(b.Inputs, sample.Features)
		b.Labels = append(b.Labels, local)
		if l.opts.PerTask > 0 && b.Len() == l.opts.PerTask {
			if full++; full == l.opts.NumTasks {
				return batches, nil
			}
		}
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}
