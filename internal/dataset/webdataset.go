package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample is one labelled feature record read from a WebDataset shard.
type Sample struct {
	Key      string
	Features []float64
	Label    int
	// Task is the owning task when the shard's root holds a single task,
	// -1 otherwise. StreamShard alone leaves it zero.
	Task int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the shard at path. A sample is a
// label entry (.cls) plus either an image (.jpg/.jpeg/.png, reduced to a
// FeatureSize grey-level grid) or a whitespace separated feature vector
// (.feat) sharing the same key. Other entries are skipped.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		if err := readShard(ctx, path, pendingCap, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func readShard(ctx context.Context, path string, pendingCap int, out chan<- Sample) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, ext)

		part := pending[key]
		if part == nil {
			part = &partial{}
		}
		ok, err := part.decode(ext, tr)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if !ok {
			continue
		}
		if !part.ready() {
			pending[key] = part
			if len(pending) > pendingCap {
				return ErrPendingOverflow
			}
			continue
		}
		delete(pending, key)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- Sample{Key: key, Features: part.features, Label: *part.label}:
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("%d samples incomplete", len(pending))
	}
	return nil
}

type partial struct {
	features []float64
	label    *int
}

func (p *partial) ready() bool {
	return len(p.features) > 0 && p.label != nil
}

// decode fills p from one tar entry. It reports false for entries that are
// not part of a sample.
func (p *partial) decode(ext string, r io.Reader) (bool, error) {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".feat", ".cls":
	default:
		return false, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return false, fmt.Errorf("read entry: %w", err)
	}
	switch ext {
	case ".cls":
		v, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return false, fmt.Errorf("parse label: %w", err)
		}
		p.label = &v
	case ".feat":
		if p.features, err = parseFeatures(data); err != nil {
			return false, fmt.Errorf("parse features: %w", err)
		}
	default:
		if p.features, err = ImageFeatures(data); err != nil {
			return false, fmt.Errorf("decode image: %w", err)
		}
	}
	return true, nil
}

func parseFeatures(data []byte) ([]float64, error) {
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return nil, errors.New("empty feature vector")
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
