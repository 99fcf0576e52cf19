package dataset

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"slices"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// ShardSet is the shards found under one dataset root.
type ShardSet struct {
	Root   string
	Shards []string
	// Task every sample of the set belongs to, or -1 when the task is
	// derived from each sample's global label.
	Task int
}

// DiscoverShards returns the shard-NNNNNN.tar files beneath root, sorted.
func DiscoverShards(root string) ([]string, error) {
	var shards []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.Type().IsRegular() && shardRegexp.MatchString(d.Name()):
			shards = append(shards, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards under %s: %w", root, err)
	}
	slices.Sort(shards)
	return shards, nil
}

// Discover scans roots in the given order. With rootPerTask, root i holds
// only task i and its labels are already task-local. Every root must hold at
// least one shard.
func Discover(roots []string, rootPerTask bool) ([]ShardSet, error) {
	sets := make([]ShardSet, 0, len(roots))
	for i, root := range roots {
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, err
		}
		if len(shards) == 0 {
			return nil, fmt.Errorf("discover shards: none under %s", root)
		}
		set := ShardSet{Root: root, Shards: shards, Task: -1}
		if rootPerTask {
			set.Task = i
		}
		sets = append(sets, set)
	}
	return sets, nil
}
