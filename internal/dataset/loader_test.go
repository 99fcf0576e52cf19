package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticLoadIsStable(t *testing.T) {
	s, err := NewSynthetic(SyntheticOptions{NumTasks: 2, ClassesPerTask: 5, FeatureSize: 8, PerTask: 50, Seed: 3})
	require.NoError(t, err)
	ctx := context.Background()

	a, err := s.Load(ctx, 1)
	require.NoError(t, err)
	b, err := s.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, a.Task)
	assert.Equal(t, 50, a.Len())

	counts := make([]int, 5)
	for _, l := range a.Labels {
		require.GreaterOrEqual(t, l, 0)
		require.Less(t, l, 5)
		counts[l]++
	}
	assert.Equal(t, []int{10, 10, 10, 10, 10}, counts)

	valid, err := s.WithSplit(1).Load(ctx, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.Inputs, valid.Inputs)

	_, err = s.Load(ctx, 2)
	assert.Error(t, err)
}

func TestNewSyntheticValidates(t *testing.T) {
	_, err := NewSynthetic(SyntheticOptions{NumTasks: 0, ClassesPerTask: 5, FeatureSize: 8, PerTask: 1})
	assert.Error(t, err)
	_, err = NewSynthetic(SyntheticOptions{NumTasks: 3, ClassesPerTask: 5, FeatureSize: 2, PerTask: 1, TaskSubspace: true})
	assert.Error(t, err)
}

func TestSyntheticTaskSubspace(t *testing.T) {
	s, err := NewSynthetic(SyntheticOptions{NumTasks: 2, ClassesPerTask: 2, FeatureSize: 4, PerTask: 2, TaskSubspace: true, Seed: 1})
	require.NoError(t, err)
	for c, center := range s.centers {
		owned := c / 2
		for j, v := range center {
			if j/2 != owned {
				assert.Zero(t, v, "class %d dim %d", c, j)
			}
		}
	}
}

func TestSplitTask(t *testing.T) {
	task, local := SplitTask(7, 5)
	assert.Equal(t, 1, task)
	assert.Equal(t, 2, local)
}

func TestShardLoaderPartitionsByTask(t *testing.T) {
	temp := t.TempDir()
	rootA := filepath.Join(temp, "rootA")
	rootB := filepath.Join(temp, "rootB")
	shardA := map[string]int{}
	shardB := map[string]int{}
	for i := 0; i < 6; i++ {
		shardA[fmt.Sprintf("a%d", i)] = i % 4 // classes 0..3
		shardB[fmt.Sprintf("b%d", i)] = 4 + i%6
	}
	mustShard(t, filepath.Join(rootA, "shard-000000.tar"), shardA)
	mustShard(t, filepath.Join(rootB, "shard-000001.tar"), shardB)

	loader, err := NewShardLoader(ShardOptions{
		Roots:          []string{rootA, rootB},
		NumTasks:       2,
		ClassesPerTask: 2,
		NumWorkers:     2,
		Seed:           5,
	})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := loader.Load(ctx, 0)
	require.NoError(t, err)
	second, err := loader.Load(ctx, 1)
	require.NoError(t, err)

	// Classes 0,1 -> task 0; classes 2,3 -> task 1; labels >= 4 are outside
	// the configured tasks and dropped.
	assert.Equal(t, 4, first.Len())
	assert.Equal(t, 2, second.Len())
	for _, l := range append(append([]int{}, first.Labels...), second.Labels...) {
		assert.Contains(t, []int{0, 1}, l)
	}
	for _, x := range first.Inputs {
		require.Len(t, x, 2)
		assert.Less(t, x[0], 2.0)
	}

	_, err = loader.Load(ctx, 2)
	assert.Error(t, err)
}

func TestShardLoaderCapsPerTask(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	samples := map[string]int{}
	for i := 0; i < 10; i++ {
		samples[fmt.Sprintf("s%d", i)] = i % 2
	}
	mustShard(t, filepath.Join(root, "shard-000000.tar"), samples)

	loader, err := NewShardLoader(ShardOptions{Roots: []string{root}, NumTasks: 1, ClassesPerTask: 2, PerTask: 4})
	require.NoError(t, err)
	batch, err := loader.Load(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 4, batch.Len())
}

func TestShardLoaderRetriesAfterCancelledLoad(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	mustShard(t, filepath.Join(root, "shard-000000.tar"), map[string]int{"a": 0, "b": 1, "c": 1})

	loader, err := NewShardLoader(ShardOptions{Roots: []string{root}, NumTasks: 1, ClassesPerTask: 2})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = loader.Load(cancelled, 0)
	assert.ErrorIs(t, err, context.Canceled)

	batch, err := loader.Load(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Len())
}

func TestNewShardLoaderValidates(t *testing.T) {
	_, err := NewShardLoader(ShardOptions{NumTasks: 1, ClassesPerTask: 1})
	assert.Error(t, err)
}

func TestShardLoaderRootPerTask(t *testing.T) {
	temp := t.TempDir()
	rootA := filepath.Join(temp, "taskA")
	rootB := filepath.Join(temp, "taskB")
	mustShard(t, filepath.Join(rootA, "shard-000000.tar"), map[string]int{"a0": 0, "a1": 1, "a2": 1})
	mustShard(t, filepath.Join(rootB, "shard-000000.tar"), map[string]int{"b0": 0, "b1": 1, "b2": 7})

	loader, err := NewShardLoader(ShardOptions{
		Roots:          []string{rootA, rootB},
		NumTasks:       2,
		ClassesPerTask: 2,
		RootPerTask:    true,
	})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := loader.Load(ctx, 0)
	require.NoError(t, err)
	second, err := loader.Load(ctx, 1)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{0, 1, 1}, first.Labels)
	// b2's label is outside the task's classes and is dropped.
	assert.ElementsMatch(t, []int{0, 1}, second.Labels)
	assert.Equal(t, 1, second.Task)

	_, err = NewShardLoader(ShardOptions{Roots: []string{rootA}, NumTasks: 2, ClassesPerTask: 2, RootPerTask: true})
	assert.Error(t, err)
}
