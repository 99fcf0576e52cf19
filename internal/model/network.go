package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// Activation selects the hidden-layer nonlinearity.
type Activation string

const (
	Softplus Activation = "softplus"
	ReLU     Activation = "relu"
)

// NetworkOptions configures NewNetwork.
type NetworkOptions struct {
	Capability   Capability
	Activation   Activation
	Sizes        []int // input, hidden..., classes
	LearningRate float64
	LogAlpha     float64
	Seed         int64
}

// Network is a dense classifier with softmax output. When probabilistic, every
// layer applies multiplicative Gaussian weight noise through the local
// reparameterization trick: pre-activations are sampled from
// N(Wx+b, alpha*(W^2)(x^2)).
type Network struct {
	capability Capability
	activation Activation
	layers     []*layer
	lr         float64
}

type layer struct {
	in, out  int
	weights  []float64
	bias     []float64
	logAlpha float64
}

var _ Model = (*Network)(nil)

// NewNetwork constructs the model with random initialization.
func NewNetwork(opts NetworkOptions) (*Network, error) {
	if len(opts.Sizes) < 2 {
		return nil, errors.New("network: need at least input and class sizes")
	}
	for _, s := range opts.Sizes {
		if s <= 0 {
			return nil, fmt.Errorf("network: layer sizes must be > 0 (got %v)", opts.Sizes)
		}
	}
	if opts.Activation == "" {
		opts.Activation = Softplus
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.01
	}
	if opts.LogAlpha == 0 {
		opts.LogAlpha = -5
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	n := &Network{capability: opts.Capability, activation: opts.Activation, lr: opts.LearningRate}
	for i := 0; i+1 < len(opts.Sizes); i++ {
		in, out := opts.Sizes[i], opts.Sizes[i+1]
		scale := math.Sqrt(2.0 / float64(in))
		l := &layer{in: in, out: out, weights: make([]float64, out*in), bias: make([]float64, out), logAlpha: opts.LogAlpha}
		for j := range l.weights {
			l.weights[j] = rng.NormFloat64() * scale
		}
		n.layers = append(n.layers, l)
	}
	return n, nil
}

// NewNetworkFromParams rebuilds a network from its parameter list. Layer
// widths are derived from the fcN.W shapes.
func NewNetworkFromParams(c Capability, act Activation, params []Param) (*Network, error) {
	if act == "" {
		act = Softplus
	}
	byName := make(map[string]Param, len(params))
	for _, p := range params {
		if p.Size() != len(p.Data) {
			return nil, fmt.Errorf("%w: param %s has %d values for shape %v", ErrShapeMismatch, p.Name, len(p.Data), p.Shape)
		}
		byName[p.Name] = p
	}
	n := &Network{capability: c, activation: act, lr: 0.01}
	for i := 1; ; i++ {
		prefix := "fc" + strconv.Itoa(i)
		w, ok := byName[prefix+".W"]
		if !ok {
			break
		}
		if len(w.Shape) != 2 {
			return nil, fmt.Errorf("%w: %s.W must be 2-D, got %v", ErrShapeMismatch, prefix, w.Shape)
		}
		out, in := w.Shape[0], w.Shape[1]
		b, ok := byName[prefix+".b"]
		if !ok {
			return nil, fmt.Errorf("network: missing %s.b", prefix)
		}
		if !b.SameShape(Param{Shape: []int{out}}) {
			return nil, fmt.Errorf("%w: %s.b shape %v, want [%d]", ErrShapeMismatch, prefix, b.Shape, out)
		}
		l := &layer{
			in:      in,
			out:     out,
			weights: append([]float64(nil), w.Data...),
			bias:    append([]float64(nil), b.Data...),
		}
		if c == Probabilistic {
			a, ok := byName[prefix+".log_alpha"]
			if !ok || len(a.Data) != 1 {
				return nil, fmt.Errorf("network: probabilistic layer %s needs a scalar log_alpha", prefix)
			}
			l.logAlpha = a.Data[0]
		}
		if len(n.layers) > 0 && n.layers[len(n.layers)-1].out != in {
			return nil, &ShapeError{Op: "network: " + prefix + " input width", Want: n.layers[len(n.layers)-1].out, Got: in}
		}
		n.layers = append(n.layers, l)
	}
	if len(n.layers) == 0 {
		return nil, errors.New("network: no fc layers in params")
	}
	if want := len(n.paramList()); want != len(params) {
		return nil, fmt.Errorf("%w: %d params supplied, network uses %d", ErrArchitectureMismatch, len(params), want)
	}
	return n, nil
}

// Capability reports whether forward passes are sampled.
func (n *Network) Capability() Capability { return n.capability }

// Activation reports the hidden-layer nonlinearity.
func (n *Network) Activation() Activation { return n.activation }

// InputSize returns the expected feature width.
func (n *Network) InputSize() int { return n.layers[0].in }

// NumClasses returns the output width.
func (n *Network) NumClasses() int { return n.layers[len(n.layers)-1].out }

// Forward evaluates the class probabilities of every input.
func (n *Network) Forward(inputs [][]float64, rng *rand.Rand) ([][]float64, error) {
	if n.capability == Probabilistic && rng == nil {
		return nil, errors.New("network: probabilistic forward needs a random source")
	}
	out := make([][]float64, len(inputs))
	for i, input := range inputs {
		if len(input) != n.InputSize() {
			return nil, &ShapeError{Op: fmt.Sprintf("network: input %d width", i), Want: n.InputSize(), Got: len(input)}
		}
		act := input
		for li, l := range n.layers {
			z := l.apply(act, n.capability == Probabilistic, rng)
			if li < len(n.layers)-1 {
				act = n.activate(z)
			} else {
				act = softmax(z)
			}
		}
		out[i] = act
	}
	return out, nil
}

func (l *layer) apply(x []float64, sampled bool, rng *rand.Rand) []float64 {
	z := make([]float64, l.out)
	alpha := math.Exp(l.logAlpha)
	for o := 0; o < l.out; o++ {
		row := l.weights[o*l.in : (o+1)*l.in]
		mean := l.bias[o]
		variance := 0.0
		for j, w := range row {
			mean += w * x[j]
			if sampled {
				variance += w * w * x[j] * x[j]
			}
		}
		if sampled {
			mean += math.Sqrt(alpha*variance+1e-16) * rng.NormFloat64()
		}
		z[o] = mean
	}
	return z
}

func (n *Network) activate(z []float64) []float64 {
	out := make([]float64, len(z))
	for i, v := range z {
		switch n.activation {
		case ReLU:
			out[i] = math.Max(0, v)
		default:
			out[i] = softplus(v)
		}
	}
	return out
}

func (n *Network) derivative(z float64) float64 {
	if n.activation == ReLU {
		if z > 0 {
			return 1
		}
		return 0
	}
	return 1 / (1 + math.Exp(-z))
}

// Params returns a deep copy of the parameters in layer order.
func (n *Network) Params() []Param {
	return CloneParams(n.paramList())
}

func (n *Network) paramList() []Param {
	params := make([]Param, 0, len(n.layers)*3)
	for i, l := range n.layers {
		prefix := "fc" + strconv.Itoa(i+1)
		output := i == len(n.layers)-1
		params = append(params,
			Param{Name: prefix + ".W", Shape: []int{l.out, l.in}, Data: l.weights, Output: output},
			Param{Name: prefix + ".b", Shape: []int{l.out}, Data: l.bias, Output: output},
		)
		if n.capability == Probabilistic {
			params = append(params, Param{Name: prefix + ".log_alpha", Shape: []int{1}, Data: []float64{l.logAlpha}, Output: output})
		}
	}
	return params
}

// WithParams returns an independent network of the same architecture that
// owns a copy of params.
func (n *Network) WithParams(params []Param) (Model, error) {
	own := n.paramList()
	if len(own) != len(params) {
		return nil, fmt.Errorf("%w: %d params, want %d", ErrArchitectureMismatch, len(params), len(own))
	}
	for i := range own {
		if own[i].Name != params[i].Name || !own[i].SameShape(params[i]) {
			return nil, fmt.Errorf("%w: param %d is %s%v, want %s%v",
				ErrArchitectureMismatch, i, params[i].Name, params[i].Shape, own[i].Name, own[i].Shape)
		}
	}
	out, err := NewNetworkFromParams(n.capability, n.activation, params)
	if err != nil {
		return nil, err
	}
	out.lr = n.lr
	return out, nil
}

// Architecture returns the activation and layer widths, e.g. "softplus 64-32-5".
func (n *Network) Architecture() string {
	widths := []string{strconv.Itoa(n.InputSize())}
	for _, l := range n.layers {
		widths = append(widths, strconv.Itoa(l.out))
	}
	return fmt.Sprintf("%s %s", n.activation, strings.Join(widths, "-"))
}

// String prefixes the architecture with the capability, e.g.
// "probabilistic softplus 64-32-5".
func (n *Network) String() string {
	return fmt.Sprintf("%s %s", n.capability, n.Architecture())
}

// TrainStep executes one SGD step on the mean parameters and returns the
// average cross-entropy loss. Noise variances are left untouched. Inputs of the
// wrong width or with labels outside [0, NumClasses) are skipped.
func (n *Network) TrainStep(batch Batch) float64 {
	if len(batch.Inputs) == 0 {
		return 0
	}
	numClasses := n.NumClasses()
	totalLoss := 0.0
	used := 0
	for i, input := range batch.Inputs {
		if len(input) != n.InputSize() || i >= len(batch.Labels) {
			continue
		}
		label := batch.Labels[i]
		if label < 0 || label >= numClasses {
			continue
		}
		used++

		acts := [][]float64{input}
		pre := make([][]float64, 0, len(n.layers))
		for li, l := range n.layers {
			z := l.apply(acts[li], false, nil)
			pre = append(pre, z)
			if li < len(n.layers)-1 {
				acts = append(acts, n.activate(z))
			}
		}
		probs := softmax(pre[len(pre)-1])
		totalLoss += -math.Log(math.Max(probs[label], 1e-9))

		delta := probs
		delta[label] -= 1
		for li := len(n.layers) - 1; li >= 0; li-- {
			l := n.layers[li]
			x := acts[li]
			var prev []float64
			if li > 0 {
				prev = make([]float64, l.in)
				for o := 0; o < l.out; o++ {
					for j := 0; j < l.in; j++ {
						prev[j] += l.weights[o*l.in+j] * delta[o]
					}
				}
				for j := range prev {
					prev[j] *= n.derivative(pre[li-1][j])
				}
			}
			for o := 0; o < l.out; o++ {
				grad := delta[o]
				l.bias[o] -= n.lr * grad
				wStart := o * l.in
				for j := 0; j < l.in; j++ {
					l.weights[wStart+j] -= n.lr * grad * x[j]
				}
			}
			delta = prev
		}
	}
	if used == 0 {
		return 0
	}
	return totalLoss / float64(used)
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		out[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range out {
		out[i] *= inv
	}
	return out
}
