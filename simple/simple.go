// Package simple is a small pure-Go MLP that plugs into the trainer loop as
// its learnable model. Gradients are computed per example with plain
// backpropagation; the Optimizer applies them with SGD or Adam.
package simple

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/Noofbiz/csiflow/trainer"
)

// Config holds configurable hyperparameters for the MLP and its optimizer.
type Config struct {
	// HiddenSizes is the list of hidden layer sizes. Example: []int{64, 32}
	// If empty, a single hidden layer of size 64 will be used.
	HiddenSizes []int

	// InputDim and OutputDim size the first and last layers. Both default
	// to 1 but callers normally set them from the dataset.
	InputDim  int
	OutputDim int

	// LearningRate used by the optimizer (SGD or Adam).
	LearningRate float64

	// Seed controls RNG for weight init. If zero, time-based seed is used.
	Seed int64

	// Optimizer selects the optimizer to use: "adam" or "sgd". Default: "adam".
	Optimizer string

	// Adam hyperparameters (used when Optimizer == "adam"; defaults below if zero).
	Beta1   float64
	Beta2   float64
	Epsilon float64

	// ClipNorm is the global gradient norm threshold. If zero, 5 is used;
	// negative disables clipping.
	ClipNorm float32
}

func (c *Config) applyDefaults() {
	if len(c.HiddenSizes) == 0 {
		c.HiddenSizes = []int{64}
	}
	if c.InputDim == 0 {
		c.InputDim = 1
	}
	if c.OutputDim == 0 {
		c.OutputDim = 1
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.001
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	if c.Optimizer == "" {
		c.Optimizer = "adam"
	}
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-8
	}
	if c.ClipNorm == 0 {
		c.ClipNorm = 5
	}
}

// Model is a configurable MLP with ReLU hidden layers and a linear output.
type Model struct {
	// Config used for initialization, with defaults filled in.
	Config Config

	// layerSizes includes input size, hidden sizes, then output size.
	layerSizes []int

	// weights[l] is a matrix of shape [out][in] for layer l -> l+1
	weights [][][]float32

	// biases[l] is a vector of length out for layer l -> l+1
	biases [][]float32

	// gradients accumulated by Backward, same shapes as weights/biases
	gradW [][][]float32
	gradB [][]float32

	// per-example activations of the last training Forward
	cachePre  [][][]float32
	cacheActs [][][]float32

	training bool
	rng      *rand.Rand
}

var _ trainer.Model = (*Model)(nil)

// NewModel creates a new Model instance with the provided configuration.
// It initializes weights (small random values) and is ready to train.
func NewModel(cfg Config) (*Model, error) {
	cfg.applyDefaults()
	for _, h := range cfg.HiddenSizes {
		if h <= 0 {
			return nil, errors.Errorf("invalid hidden layer size %d", h)
		}
	}
	if cfg.InputDim < 0 || cfg.OutputDim < 0 {
		return nil, errors.Errorf("invalid dimensions in=%d out=%d", cfg.InputDim, cfg.OutputDim)
	}
	switch cfg.Optimizer {
	case "adam", "sgd":
	default:
		return nil, errors.Errorf("unknown optimizer %q", cfg.Optimizer)
	}

	m := &Model{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}

	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.InputDim)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, cfg.OutputDim)
	m.layerSizes = sizes

	L := len(sizes) - 1
	m.weights = make([][][]float32, L)
	m.biases = make([][]float32, L)
	for l := 0; l < L; l++ {
		in, out := sizes[l], sizes[l+1]
		// Xavier/Glorot uniform initialization heuristic
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		w := make([][]float32, out)
		for j := range w {
			row := make([]float32, in)
			for i := range row {
				row[i] = (m.rng.Float32()*2.0 - 1.0) * limit * 0.5
			}
			w[j] = row
		}
		m.weights[l] = w
		m.biases[l] = make([]float32, out)
	}
	m.gradW, m.gradB = zerosLike(m.weights, m.biases)
	return m, nil
}

// LayerSizes returns input, hidden and output sizes.
func (m *Model) LayerSizes() []int { return append([]int(nil), m.layerSizes...) }

func zerosLike(w [][][]float32, b [][]float32) ([][][]float32, [][]float32) {
	gw := make([][][]float32, len(w))
	gb := make([][]float32, len(b))
	for l := range w {
		gw[l] = make([][]float32, len(w[l]))
		for j := range w[l] {
			gw[l][j] = make([]float32, len(w[l][j]))
		}
		gb[l] = make([]float32, len(b[l]))
	}
	return gw, gb
}

// activationReLU applies ReLU in-place over the slice.
func activationReLU(x []float32) {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
}

// forwardSingle performs a forward pass for a single input vector, returning:
// - preActivations: list of pre-activation vectors per layer (len = L)
// - activations: list of activation vectors per layer (len = L+1, activations[0] = input)
func (m *Model) forwardSingle(input []float32) (preActs [][]float32, acts [][]float32, err error) {
	if len(input) != m.layerSizes[0] {
		return nil, nil, errors.Errorf("input has dimension %d, want %d", len(input), m.layerSizes[0])
	}
	L := len(m.weights)
	acts = make([][]float32, L+1)
	acts[0] = append([]float32(nil), input...)

	preActs = make([][]float32, L)
	for l := 0; l < L; l++ {
		inVec := acts[l]
		W, b := m.weights[l], m.biases[l]
		pre := make([]float32, len(b))
		for j := range pre {
			sum := b[j]
			for i, w := range W[j] {
				sum += w * inVec[i]
			}
			pre[j] = sum
		}
		preActs[l] = pre

		// ReLU for hidden, linear for last layer
		act := append([]float32(nil), pre...)
		if l < L-1 {
			activationReLU(act)
		}
		acts[l+1] = act
	}
	return preActs, acts, nil
}

// Forward returns predictions for a batch of inputs. In training mode the
// activations are kept for the following Backward call.
func (m *Model) Forward(inputs [][]float32) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	var pres, acts [][][]float32
	if m.training {
		pres = make([][][]float32, len(inputs))
		acts = make([][][]float32, len(inputs))
	}
	for i, in := range inputs {
		p, a, err := m.forwardSingle(in)
		if err != nil {
			return nil, errors.Wrapf(err, "example %d", i)
		}
		out[i] = append([]float32(nil), a[len(a)-1]...)
		if m.training {
			pres[i], acts[i] = p, a
		}
	}
	if m.training {
		m.cachePre, m.cacheActs = pres, acts
	}
	return out, nil
}

// PredictBatch is Forward without touching the training cache.
func (m *Model) PredictBatch(inputs [][]float32) ([][]float32, error) {
	training := m.training
	m.training = false
	defer func() { m.training = training }()
	return m.Forward(inputs)
}

// Backward accumulates parameter gradients for the last training Forward.
// gradOutputs[i] is dLoss/dOutput for example i.
func (m *Model) Backward(gradOutputs [][]float32) error {
	if !m.training || m.cacheActs == nil {
		return errors.New("backward without a training forward pass")
	}
	if len(gradOutputs) != len(m.cacheActs) {
		return errors.Errorf("%d output gradients for %d examples", len(gradOutputs), len(m.cacheActs))
	}
	for ex, g := range gradOutputs {
		preacts, acts := m.cachePre[ex], m.cacheActs[ex]
		if len(g) != len(acts[len(acts)-1]) {
			return errors.Errorf("example %d: gradient has %d values, output %d", ex, len(g), len(acts[len(acts)-1]))
		}
		delta := append([]float32(nil), g...)
		for l := len(m.weights) - 1; l >= 0; l-- {
			inAct := acts[l]
			for j, d := range delta {
				m.gradB[l][j] += d
				row := m.gradW[l][j]
				for i, a := range inAct {
					row[i] += d * a
				}
			}
			if l == 0 {
				break
			}
			// propagate through the weights and the ReLU of the previous layer
			prev := make([]float32, len(inAct))
			for i := range prev {
				if preacts[l-1][i] <= 0 {
					continue
				}
				var sum float32
				for j, d := range delta {
					sum += m.weights[l][j][i] * d
				}
				prev[i] = sum
			}
			delta = prev
		}
	}
	m.cachePre, m.cacheActs = nil, nil
	return nil
}

func (m *Model) SetTraining(training bool) {
	m.training = training
	if !training {
		m.cachePre, m.cacheActs = nil, nil
	}
}

type modelState struct {
	LayerSizes []int
	Weights    [][][]float32
	Biases     [][]float32
}

// State gob-encodes the layer sizes and parameters.
func (m *Model) State() ([]byte, error) {
	var buf bytes.Buffer
	st := modelState{LayerSizes: m.layerSizes, Weights: m.weights, Biases: m.biases}
	if err := gob.NewEncoder(&buf).Encode(&st); err != nil {
		return nil, errors.Wrap(err, "encode model state")
	}
	return buf.Bytes(), nil
}

// LoadState restores parameters written by State. The layer sizes must match.
func (m *Model) LoadState(b []byte) error {
	var st modelState
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&st); err != nil {
		return errors.Wrap(err, "decode model state")
	}
	if len(st.LayerSizes) != len(m.layerSizes) {
		return errors.Errorf("state has %d layers, model %d", len(st.LayerSizes)-1, len(m.layerSizes)-1)
	}
	for i, s := range st.LayerSizes {
		if s != m.layerSizes[i] {
			return errors.Errorf("state layer sizes %v, model %v", st.LayerSizes, m.layerSizes)
		}
	}
	m.weights, m.biases = st.Weights, st.Biases
	return nil
}

// Optimizer applies the gradients accumulated in a Model.
type Optimizer struct {
	m    *Model
	adam bool
	lr   float64

	// Adam moments and step count
	mW, vW [][][]float32
	mB, vB [][]float32
	t      int
}

var _ trainer.Optimizer = (*Optimizer)(nil)

// NewOptimizer returns the optimizer selected by m.Config.Optimizer.
func NewOptimizer(m *Model) *Optimizer {
	o := &Optimizer{m: m, adam: m.Config.Optimizer == "adam", lr: m.Config.LearningRate}
	if o.adam {
		o.mW, o.mB = zerosLike(m.weights, m.biases)
		o.vW, o.vB = zerosLike(m.weights, m.biases)
	}
	return o
}

func (o *Optimizer) ZeroGrad() {
	for l := range o.m.gradW {
		for j := range o.m.gradW[l] {
			clear(o.m.gradW[l][j])
		}
		clear(o.m.gradB[l])
	}
}

func (o *Optimizer) Step() error {
	scale := o.clipScale()
	if math.IsNaN(float64(scale)) {
		return errors.New("gradient norm is not finite")
	}
	lr := float32(o.lr)
	if !o.adam {
		for l := range o.m.weights {
			for j := range o.m.weights[l] {
				for i := range o.m.weights[l][j] {
					o.m.weights[l][j][i] -= lr * scale * o.m.gradW[l][j][i]
				}
				o.m.biases[l][j] -= lr * scale * o.m.gradB[l][j]
			}
		}
		return nil
	}

	o.t++
	cfg := o.m.Config
	b1, b2, eps := float32(cfg.Beta1), float32(cfg.Beta2), float32(cfg.Epsilon)
	c1 := float32(1 - math.Pow(cfg.Beta1, float64(o.t)))
	c2 := float32(1 - math.Pow(cfg.Beta2, float64(o.t)))
	update := func(p, mom, vel *float32, g float32) {
		g *= scale
		*mom = b1**mom + (1-b1)*g
		*vel = b2**vel + (1-b2)*g*g
		mh := *mom / c1
		vh := *vel / c2
		*p -= lr * mh / (float32(math.Sqrt(float64(vh))) + eps)
	}
	for l := range o.m.weights {
		for j := range o.m.weights[l] {
			for i := range o.m.weights[l][j] {
				update(&o.m.weights[l][j][i], &o.mW[l][j][i], &o.vW[l][j][i], o.m.gradW[l][j][i])
			}
			update(&o.m.biases[l][j], &o.mB[l][j], &o.vB[l][j], o.m.gradB[l][j])
		}
	}
	return nil
}

// clipScale returns the factor that brings the global gradient norm down to
// ClipNorm, or 1 when it is already below.
func (o *Optimizer) clipScale() float32 {
	limit := o.m.Config.ClipNorm
	var sq float64
	for l := range o.m.gradW {
		for j := range o.m.gradW[l] {
			for _, g := range o.m.gradW[l][j] {
				sq += float64(g) * float64(g)
			}
			g := o.m.gradB[l][j]
			sq += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(sq)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return float32(math.NaN())
	}
	if limit <= 0 || norm <= float64(limit) {
		return 1
	}
	return float32(float64(limit) / norm)
}
