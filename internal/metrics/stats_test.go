package metrics

import (
	"math"
	"testing"
	"time"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(Step{Samples: 64, Data: 20 * time.Millisecond, Compute: 10 * time.Millisecond, Loss: 1.2})
	w.Record(Step{Samples: 64, Data: 10 * time.Millisecond, Compute: 20 * time.Millisecond, Loss: 0.8})
	if w.Steps() != 2 {
		t.Fatalf("expected 2 steps, got %d", w.Steps())
	}
	snap := w.Snapshot()
	if math.Abs(snap.SamplesPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.SamplesPerSec)
	}
	if w.samples != 0 || w.steps != 0 || w.lossSum != 0 {
		t.Fatalf("window was not reset")
	}
	if snap.LastLoss != 0.8 {
		t.Fatalf("expected last loss 0.8, got %.2f", snap.LastLoss)
	}
	if math.Abs(snap.MeanLoss-1.0) > 1e-9 {
		t.Fatalf("expected mean loss 1.0, got %.4f", snap.MeanLoss)
	}
	if math.Abs(snap.AvgComputeMS-15) > 1e-9 {
		t.Fatalf("expected 15ms compute, got %.4f", snap.AvgComputeMS)
	}
}

func TestWindowEmptySnapshot(t *testing.T) {
	var w Window
	snap := w.Snapshot()
	if snap.SamplesPerSec != 0 || snap.MeanLoss != 0 || snap.Steps != 0 {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}
