package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterleaveAlternatesSets(t *testing.T) {
	sets := []ShardSet{
		{Root: "/a", Task: 0, Shards: []string{"/a/shard-000000.tar", "/a/shard-000002.tar", "/a/shard-000004.tar"}},
		{Root: "/b", Task: 1, Shards: []string{"/b/shard-000001.tar"}},
	}
	first := interleave(sets, rand.New(rand.NewSource(7)))
	again := interleave(sets, rand.New(rand.NewSource(7)))
	assert.Equal(t, first, again)

	require.Len(t, first, 4)
	assert.Equal(t, []int{0, 1, 0, 0}, []int{first[0].task, first[1].task, first[2].task, first[3].task})
	assert.Equal(t, "/b/shard-000001.tar", first[1].path)
	assert.Len(t, sets[0].Shards, 3, "sets are not consumed")
}

func TestStreamIsDeterministic(t *testing.T) {
	sets := writeSets(t, false)
	opts := StreamOptions{Sets: sets, Seed: 123, NumWorkers: 3}

	run1 := collectKeys(t, opts, 6)
	run2 := collectKeys(t, opts, 6)
	assert.Equal(t, run1, run2)
}

func TestStreamSingleEpochCloses(t *testing.T) {
	sets := writeSets(t, true)
	stream, errs, err := Stream(context.Background(), StreamOptions{Sets: sets, Seed: 9, NumWorkers: 2, Epochs: 1})
	require.NoError(t, err)

	done := make(chan []Sample)
	go func() {
		var got []Sample
		for s := range stream {
			got = append(got, s)
		}
		done <- got
	}()
	select {
	case got := <-done:
		require.Len(t, got, 3)
		for _, s := range got {
			want := 0
			if s.Key == "b0" {
				want = 1
			}
			assert.Equal(t, want, s.Task, s.Key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after one epoch")
	}
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestStreamReportsShardFailure(t *testing.T) {
	sets := writeSets(t, false)
	sets[1].Shards = append(sets[1].Shards, filepath.Join(t.TempDir(), "shard-000009.tar"))

	stream, errs, err := Stream(context.Background(), StreamOptions{Sets: sets, Seed: 1, Epochs: 1})
	require.NoError(t, err)
	for range stream {
	}
	var got error
	for err := range errs {
		got = err
	}
	assert.ErrorIs(t, got, os.ErrNotExist)
}

func TestStreamValidates(t *testing.T) {
	_, _, err := Stream(context.Background(), StreamOptions{})
	assert.Error(t, err)
	_, _, err = Stream(context.Background(), StreamOptions{Sets: []ShardSet{{Root: "/empty"}}})
	assert.Error(t, err)
}

// writeSets lays out two roots: a0,a1 in a's only shard and b0 in b's.
func writeSets(t *testing.T, rootPerTask bool) []ShardSet {
	t.Helper()
	temp := t.TempDir()
	rootA := filepath.Join(temp, "a")
	rootB := filepath.Join(temp, "b")
	mustShard(t, filepath.Join(rootA, "shard-000000.tar"), map[string]int{"a0": 0, "a1": 1})
	mustShard(t, filepath.Join(rootB, "shard-000001.tar"), map[string]int{"b0": 2})
	sets, err := Discover([]string{rootA, rootB}, rootPerTask)
	require.NoError(t, err)
	return sets
}

// collectKeys reads count keys from an unbounded stream, then cancels it.
func collectKeys(t *testing.T, opts StreamOptions, count int) []string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, errs, err := Stream(ctx, opts)
	require.NoError(t, err)

	keys := make([]string, 0, count)
	deadline := time.After(2 * time.Second)
	for len(keys) < count {
		select {
		case s, ok := <-stream:
			require.True(t, ok, "stream closed after %d samples", len(keys))
			keys = append(keys, s.Key)
		case <-deadline:
			t.Fatal("timed out waiting for samples")
		}
	}
	cancel()
	for range stream {
	}
	for err := range errs {
		assert.NoError(t, err, "cancellation is not an error")
	}
	return keys
}

// mustShard writes a shard whose samples carry the feature vector "label 1".
func mustShard(t *testing.T, path string, samples map[string]int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for key, label := range samples {
		addTarEntry(t, tw, key+".feat", []byte(strconv.Itoa(label)+" 1"))
		addTarEntry(t, tw, key+".cls", []byte(strconv.Itoa(label)))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}
