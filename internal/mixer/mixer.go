// Package mixer merges task-specialist models by averaging their parameters.
package mixer

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"taskmix/internal/model"
)

// ErrNoHead is returned when a merged model is requested without a head
// after output layers were kept per task.
var ErrNoHead = errors.New("mixer: output layer was not merged; attach a task head")

// TaskHead is one source model's output-layer parameters.
type TaskHead struct {
	Model  int
	Params []model.Param
}

// Mixed is the result of Mix. It owns all of its parameter storage.
type Mixed struct {
	template model.Model
	body     []model.Param
	output   []model.Param // merged output layer; nil when heads are kept
	heads    []TaskHead
}

// Mix averages every parameter across models. When includeOutput is false the
// output layer is left out of the average and each model's own output layer
// is preserved as a TaskHead.
func Mix(models []model.Model, includeOutput bool) (*Mixed, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("mixer: %w: no models", model.ErrEmptyEnsemble)
	}
	ref := models[0].Params()
	sources := make([][]model.Param, len(models))
	sources[0] = ref
	for k := 1; k < len(models); k++ {
		if models[k].Capability() != models[0].Capability() {
			return nil, fmt.Errorf("mixer: %w: model %d is %s, model 0 is %s",
				model.ErrArchitectureMismatch, k, models[k].Capability(), models[0].Capability())
		}
		if models[k].Architecture() != models[0].Architecture() {
			return nil, fmt.Errorf("mixer: %w: model %d is %s, model 0 is %s",
				model.ErrArchitectureMismatch, k, models[k].Architecture(), models[0].Architecture())
		}
		params := models[k].Params()
		if err := sameLayout(ref, params); err != nil {
			return nil, fmt.Errorf("mixer: model %d: %w", k, err)
		}
		sources[k] = params
	}

	mixed := &Mixed{template: models[0]}
	for i, p := range ref {
		if p.Output && !includeOutput {
			continue
		}
		avg := model.Param{
			Name:   p.Name,
			Shape:  append([]int(nil), p.Shape...),
			Data:   make([]float64, len(p.Data)),
			Output: p.Output,
		}
		for _, params := range sources {
			floats.Add(avg.Data, params[i].Data)
		}
		floats.Scale(1/float64(len(sources)), avg.Data)
		if p.Output {
			mixed.output = append(mixed.output, avg)
		} else {
			mixed.body = append(mixed.body, avg)
		}
	}
	if !includeOutput {
		for k, params := range sources {
			head := TaskHead{Model: k}
			for _, p := range params {
				if p.Output {
					head.Params = append(head.Params, p)
				}
			}
			mixed.heads = append(mixed.heads, head)
		}
	}
	return mixed, nil
}

func sameLayout(ref, params []model.Param) error {
	if len(ref) != len(params) {
		return fmt.Errorf("%w: %d params, want %d", model.ErrArchitectureMismatch, len(params), len(ref))
	}
	for i := range ref {
		if ref[i].Name != params[i].Name || ref[i].Output != params[i].Output || !ref[i].SameShape(params[i]) {
			return fmt.Errorf("%w: param %d is %s%v, want %s%v",
				model.ErrArchitectureMismatch, i, params[i].Name, params[i].Shape, ref[i].Name, ref[i].Shape)
		}
	}
	return nil
}

// Body returns a copy of the averaged non-output parameters.
func (m *Mixed) Body() []model.Param { return model.CloneParams(m.body) }

// Heads returns the preserved output layers, one per source model; empty when
// output layers were merged.
func (m *Mixed) Heads() []TaskHead {
	out := make([]TaskHead, len(m.heads))
	for i, h := range m.heads {
		out[i] = TaskHead{Model: h.Model, Params: model.CloneParams(h.Params)}
	}
	return out
}

// Head returns the output layer preserved from source model k.
func (m *Mixed) Head(k int) (TaskHead, error) {
	if len(m.heads) == 0 {
		return TaskHead{}, errors.New("mixer: output layers were merged; no task heads kept")
	}
	if k < 0 || k >= len(m.heads) {
		return TaskHead{}, fmt.Errorf("mixer: head %d out of range [0,%d)", k, len(m.heads))
	}
	h := m.heads[k]
	return TaskHead{Model: h.Model, Params: model.CloneParams(h.Params)}, nil
}

// Model returns the fully merged model. It fails with ErrNoHead when output
// layers were kept per task.
func (m *Mixed) Model() (model.Model, error) {
	if m.output == nil {
		return nil, ErrNoHead
	}
	return m.assemble(m.output)
}

// Attach returns the merged body combined with head.
func (m *Mixed) Attach(head TaskHead) (model.Model, error) {
	return m.assemble(head.Params)
}

// AttachAll returns one model per preserved head, in source order.
func (m *Mixed) AttachAll() ([]model.Model, error) {
	if len(m.heads) == 0 {
		return nil, ErrNoHead
	}
	out := make([]model.Model, len(m.heads))
	for i, h := range m.heads {
		mdl, err := m.Attach(h)
		if err != nil {
			return nil, err
		}
		out[i] = mdl
	}
	return out, nil
}

// assemble rebuilds the template's parameter order from body and output.
func (m *Mixed) assemble(output []model.Param) (model.Model, error) {
	byName := make(map[string]model.Param, len(m.body)+len(output))
	for _, p := range m.body {
		byName[p.Name] = p
	}
	for _, p := range output {
		byName[p.Name] = p
	}
	layout := m.template.Params()
	params := make([]model.Param, len(layout))
	for i, want := range layout {
		p, ok := byName[want.Name]
		if !ok || !p.SameShape(want) {
			return nil, fmt.Errorf("mixer: %w: missing or misshapen %s", model.ErrArchitectureMismatch, want.Name)
		}
		params[i] = p.Clone()
	}
	return m.template.WithParams(params)
}
