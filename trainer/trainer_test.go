package trainer

import (
	"context"
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/csiflow/errs"
)

// scriptedModel reports a validation loss taken from losses for each epoch.
// Its only parameter is the epoch counter, advanced whenever training starts.
type scriptedModel struct {
	losses     []float64
	trainNaN   int
	epoch      int
	training   bool
	loads      []int
	backwardOK int
}

func newScripted(losses ...float64) *scriptedModel {
	return &scriptedModel{losses: losses, epoch: -1, trainNaN: -1}
}

func (m *scriptedModel) Forward(inputs [][]float32) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	v := float32(0)
	switch {
	case m.training && m.epoch == m.trainNaN:
		v = float32(math.NaN())
	case !m.training:
		v = float32(math.Sqrt(m.losses[m.epoch]))
	}
	for i := range out {
		out[i] = []float32{v}
	}
	return out, nil
}

func (m *scriptedModel) Backward([][]float32) error { m.backwardOK++; return nil }

func (m *scriptedModel) SetTraining(training bool) {
	if training && !m.training {
		m.epoch++
	}
	m.training = training
}

func (m *scriptedModel) State() ([]byte, error) { return []byte{byte(m.epoch)}, nil }

func (m *scriptedModel) LoadState(b []byte) error {
	m.epoch = int(b[0])
	m.loads = append(m.loads, m.epoch)
	return nil
}

type countingOptimizer struct{ steps, zeros int }

func (o *countingOptimizer) ZeroGrad()   { o.zeros++ }
func (o *countingOptimizer) Step() error { o.steps++; return nil }

type constDataset struct{ n int }

func (d constDataset) Len() int { return d.n }

func (d constDataset) Batch(idx []int) ([][]float32, [][]float32, error) {
	in := make([][]float32, len(idx))
	la := make([][]float32, len(idx))
	for i := range idx {
		in[i] = []float32{1}
		la[i] = []float32{0}
	}
	return in, la, nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestLoop(cfg Config, m Model, opt Optimizer) *Loop {
	l := NewLoop(cfg, m, opt, nil)
	l.Log = quietLogger()
	return l
}

func TestLoop_EarlyStopRestoresBest(t *testing.T) {
	m := newScripted(5, 4, 3, 3, 3.5, 3.2, 1, 1, 1, 1)
	opt := &countingOptimizer{}
	l := newTestLoop(Config{Epochs: 10, Patience: 3, BatchSize: 2}, m, opt)

	var states []State
	l.OnEpoch = func(r EpochReport) { states = append(states, r.State) }

	res, err := l.Run(context.Background(), constDataset{n: 5}, constDataset{n: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// a tie (epoch 3) does not count as improvement
	want := []State{ImprovedEpoch, ImprovedEpoch, ImprovedEpoch, NoImprovement, NoImprovement, Stopped}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("epoch %d state = %v, want %v", i, states[i], want[i])
		}
	}
	if res.Final != Stopped {
		t.Fatalf("final = %v, want stopped", res.Final)
	}
	ck := res.Checkpoint
	if ck.BestEpoch != 2 || ck.LatestEpoch != 5 || ck.Stale != 3 {
		t.Fatalf("checkpoint best=%d latest=%d stale=%d", ck.BestEpoch, ck.LatestEpoch, ck.Stale)
	}
	if math.Abs(ck.BestLoss-3) > 1e-5 {
		t.Fatalf("best loss = %v, want 3", ck.BestLoss)
	}
	if m.epoch != 2 || len(m.loads) != 1 {
		t.Fatalf("model not restored to best: epoch=%d loads=%v", m.epoch, m.loads)
	}
	if res.History.Epochs != 6 {
		t.Fatalf("history epochs = %d, want 6", res.History.Epochs)
	}
	_, valid := res.History.Trimmed()
	if math.Abs(valid[4]-3.5) > 1e-5 {
		t.Fatalf("valid[4] = %v", valid[4])
	}
	// 6 epochs of 3 minibatches each
	if opt.steps != 18 || opt.zeros != 18 || m.backwardOK != 18 {
		t.Fatalf("steps=%d zeros=%d backward=%d", opt.steps, opt.zeros, m.backwardOK)
	}
	if ck.RunID == "" {
		t.Fatalf("missing run id")
	}
}

func TestLoop_PatienceZeroRunsBudget(t *testing.T) {
	m := newScripted(1, 2, 3, 4, 5)
	l := newTestLoop(Config{Epochs: 5}, m, &countingOptimizer{})
	res, err := l.Run(context.Background(), constDataset{n: 2}, constDataset{n: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.History.Epochs != 5 || res.Final != NoImprovement {
		t.Fatalf("epochs=%d final=%v", res.History.Epochs, res.Final)
	}
	if res.Checkpoint.BestEpoch != 0 || res.Checkpoint.Stale != 4 {
		t.Fatalf("best=%d stale=%d", res.Checkpoint.BestEpoch, res.Checkpoint.Stale)
	}
	// no early stop means no restore
	if len(m.loads) != 0 {
		t.Fatalf("unexpected restore: %v", m.loads)
	}
}

func TestLoop_PatienceOneStopsAtFirstNoImprovement(t *testing.T) {
	m := newScripted(1, 2, 3, 4, 5)
	l := newTestLoop(Config{Epochs: 5, Patience: 1}, m, &countingOptimizer{})
	res, err := l.Run(context.Background(), constDataset{n: 2}, constDataset{n: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Final != Stopped || res.History.Epochs != 2 {
		t.Fatalf("final=%v epochs=%d, want stopped after 2", res.Final, res.History.Epochs)
	}
	if len(m.loads) != 1 || m.loads[0] != 0 {
		t.Fatalf("restores = %v, want [0]", m.loads)
	}
}

func TestLoop_NonFiniteLoss(t *testing.T) {
	m := newScripted(1, math.NaN(), 1)
	l := newTestLoop(Config{Epochs: 3}, m, &countingOptimizer{})
	_, err := l.Run(context.Background(), constDataset{n: 2}, constDataset{n: 2})
	if !errs.Is(err, errs.NonFiniteLoss) {
		t.Fatalf("expected NonFiniteLoss from validation, got %v", err)
	}

	m = newScripted(1, 1, 1)
	m.trainNaN = 0
	opt := &countingOptimizer{}
	l = newTestLoop(Config{Epochs: 3}, m, opt)
	_, err = l.Run(context.Background(), constDataset{n: 2}, constDataset{n: 2})
	if !errs.Is(err, errs.NonFiniteLoss) {
		t.Fatalf("expected NonFiniteLoss from training, got %v", err)
	}
	if opt.steps != 0 {
		t.Fatalf("optimizer stepped %d times on a non-finite loss", opt.steps)
	}
}

func TestLoop_EmptyDatasets(t *testing.T) {
	l := newTestLoop(Config{Epochs: 1}, newScripted(1), &countingOptimizer{})
	if _, err := l.Run(context.Background(), constDataset{}, constDataset{n: 1}); err == nil {
		t.Fatalf("expected error for empty training set")
	}
	if _, err := l.Run(context.Background(), constDataset{n: 1}, constDataset{}); err == nil {
		t.Fatalf("expected error for empty validation set")
	}
}

func TestLoop_SinkAndResume(t *testing.T) {
	dir := t.TempDir()
	sink := FileSink{Dir: dir, Name: "run"}

	m := newScripted(5, 4, 4.5, 2, 1, 3)
	l := newTestLoop(Config{Epochs: 3, SaveBest: true}, m, &countingOptimizer{})
	l.Sink = sink
	if _, err := l.Run(context.Background(), constDataset{n: 2}, constDataset{n: 2}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ck, h, err := sink.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ck.LatestEpoch != 2 || ck.BestEpoch != 1 || ck.Stale != 1 || h.Epochs != 3 {
		t.Fatalf("checkpoint latest=%d best=%d stale=%d epochs=%d", ck.LatestEpoch, ck.BestEpoch, ck.Stale, h.Epochs)
	}
	state, epoch, err := LoadBestState(sink.BestPath())
	if err != nil {
		t.Fatalf("LoadBestState: %v", err)
	}
	if epoch != 1 || len(state) != 1 || state[0] != 1 {
		t.Fatalf("best file epoch=%d state=%v", epoch, state)
	}

	// continue the same run with a larger budget
	m2 := newScripted(5, 4, 4.5, 2, 1, 3)
	l2 := newTestLoop(Config{Epochs: 6, Patience: 5}, m2, &countingOptimizer{})
	if err := l2.Resume(ck, h); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	res, err := l2.Run(context.Background(), constDataset{n: 2}, constDataset{n: 2})
	if err != nil {
		t.Fatalf("Run after resume: %v", err)
	}
	if res.Checkpoint.RunID != ck.RunID {
		t.Fatalf("resume changed run id")
	}
	if res.History.Epochs != 6 || res.Checkpoint.BestEpoch != 4 {
		t.Fatalf("epochs=%d best=%d", res.History.Epochs, res.Checkpoint.BestEpoch)
	}
	train, valid := res.History.Trimmed()
	if len(train) != 6 || math.Abs(valid[0]-5) > 1e-5 || math.Abs(valid[4]-1) > 1e-5 {
		t.Fatalf("history = %v / %v", train, valid)
	}
}

func TestLoop_Predict(t *testing.T) {
	m := newScripted(4)
	m.epoch = 0
	l := newTestLoop(Config{Epochs: 1, BatchSize: 2}, m, &countingOptimizer{})
	pred, labels, err := l.Predict(constDataset{n: 5})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(pred) != 5 || len(labels) != 5 {
		t.Fatalf("got %d predictions, %d labels", len(pred), len(labels))
	}
	if pred[4][0] != 2 {
		t.Fatalf("pred = %v, want 2", pred[4][0])
	}
}

func TestMSELoss(t *testing.T) {
	loss, grad, err := MSELoss{}.Loss([][]float32{{1, 2}, {3, 4}}, [][]float32{{1, 0}, {3, 2}})
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	if loss != 2 {
		t.Fatalf("loss = %v, want 2", loss)
	}
	if grad[0][1] != 1 || grad[0][0] != 0 {
		t.Fatalf("grad = %v", grad)
	}
	if _, _, err := (MSELoss{}).Loss([][]float32{{1}}, [][]float32{{1, 2}}); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}
