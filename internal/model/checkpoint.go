package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Checkpoint is the persisted form of a Network.
type Checkpoint struct {
	Capability string     `json:"capability"`
	Activation Activation `json:"activation"`
	Params     []Param    `json:"params"`
}

// CheckpointPath names the checkpoint of one task model, e.g.
// dir/model_mlp_2.1.json for the first of two tasks.
func CheckpointPath(dir, netType string, numTasks, task int) string {
	return filepath.Join(dir, fmt.Sprintf("model_%s_%d.%d.json", netType, numTasks, task+1))
}

// SaveCheckpoint writes n to path, creating parent directories.
func SaveCheckpoint(path string, n *Network) error {
	ckpt := Checkpoint{
		Capability: n.Capability().String(),
		Activation: n.Activation(),
		Params:     n.Params(),
	}
	data, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint restores a Network from path. The capability is fixed here
// and carried by the returned model for its lifetime.
func LoadCheckpoint(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	c, err := ParseCapability(ckpt.Capability)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	n, err := NewNetworkFromParams(c, ckpt.Activation, ckpt.Params)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return n, nil
}
