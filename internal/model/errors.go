package model

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch indicates incompatible class counts or tensor shapes.
var ErrShapeMismatch = errors.New("shape mismatch")

// ErrArchitectureMismatch indicates that models cannot be merged parameter-wise.
var ErrArchitectureMismatch = errors.New("architecture mismatch")

// ErrEmptyEnsemble indicates that zero models or zero samples were supplied.
var ErrEmptyEnsemble = errors.New("empty ensemble")

// ErrMetricPolarity indicates a scoring metric that does not fit the model's
// capability, such as confidence on a probabilistic model.
var ErrMetricPolarity = errors.New("metric polarity mismatch")

// ShapeError describes a concrete dimension disagreement.
type ShapeError struct {
	Op   string
	Want int
	Got  int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %v: want %d, got %d", e.Op, ErrShapeMismatch, e.Want, e.Got)
}

// Unwrap lets errors.Is match ErrShapeMismatch.
func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }
