package pipeline

import (
	"context"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/csiflow/config"
	"github.com/Noofbiz/csiflow/datasets"
	"github.com/Noofbiz/csiflow/normalize"
	"github.com/Noofbiz/csiflow/stats"
	"github.com/Noofbiz/csiflow/trainer"
)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// writeBatches writes count gob batches of size samples under dir and
// returns the path template.
func writeBatches(t *testing.T, dir string, count, size int, inner datasets.Shape) string {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	tmpl := filepath.Join(dir, "H_{id}.gob")
	for id := 1; id <= count; id++ {
		s := datasets.Shape{N: size, T: inner.T, D: inner.D, A: inner.A}
		values := make([]complex128, s.Len())
		for i := range values {
			values[i] = complex(rng.NormFloat64(), rng.NormFloat64())
		}
		b, err := datasets.NewRawBatch(id, s, values)
		if err != nil {
			t.Fatalf("NewRawBatch: %v", err)
		}
		if err := datasets.WriteGobBatch(strings.ReplaceAll(tmpl, "{id}", strconv.Itoa(id)), "H_down", b); err != nil {
			t.Fatalf("WriteGobBatch: %v", err)
		}
	}
	return tmpl
}

func testConfig(t *testing.T, tmpl, out string) *config.Config {
	t.Helper()
	c := config.Default()
	c.Name = "test"
	c.OutputDir = out
	c.Data.PathTemplate = tmpl
	c.Data.BatchSizes = []int{6}
	c.Data.ValidationSplit = 0.75
	c.Data.Timeslots = 2
	c.Data.Delay = 4
	c.Data.Angle = 4
	c.Data.Workers = 2
	c.Window.InputSlots = []int{1}
	c.Window.TargetSlot = 1
	c.Training.Epochs = 3
	c.Training.BatchSize = 4
	c.Training.HiddenSizes = []int{8}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return c
}

// identity returns its input; with the target slot as the only input the
// pipeline must then reproduce the truth up to float32 rounding.
type identity struct{}

func (identity) Forward(in [][]float32) ([][]float32, error) {
	out := make([][]float32, len(in))
	for i := range in {
		out[i] = append([]float32(nil), in[i]...)
	}
	return out, nil
}
func (identity) Backward([][]float32) error     { return nil }
func (identity) SetTraining(bool)               {}
func (identity) State() ([]byte, error)         { return []byte{0}, nil }
func (identity) LoadState([]byte) error         { return nil }
func (identity) ZeroGrad()                      {}
func (identity) Step() error                    { return nil }
func identityBuilder(int, int) (trainer.Model, trainer.Optimizer, error) {
	return identity{}, identity{}, nil
}

func TestRunWith_IdentityReconstructsTruth(t *testing.T) {
	inner := datasets.Shape{T: 2, D: 4, A: 4}
	tmpl := writeBatches(t, t.TempDir(), 3, 6, inner)

	for _, mode := range []string{"spherical", "minmax", "magnitude", "spherical-magnitude"} {
		for _, dom := range []string{"delay-spatial", "delay-angular", "frequency-spatial"} {
			t.Run(mode+"/"+dom, func(t *testing.T) {
				c := testConfig(t, tmpl, t.TempDir())
				c.Normalization = mode
				c.Domain = dom
				if err := c.Validate(); err != nil {
					t.Fatalf("Validate: %v", err)
				}
				rep, err := RunWith(context.Background(), c, identityBuilder, quiet())
				if err != nil {
					t.Fatalf("RunWith: %v", err)
				}
				if rep.Shape != (datasets.Shape{N: 18, T: 2, D: 4, A: 4}) || rep.SplitIndex != 13 {
					t.Fatalf("shape %v split %d", rep.Shape, rep.SplitIndex)
				}
				if rep.Score.NMSE > 1e-10 {
					t.Fatalf("identity NMSE = %v", rep.Score.NMSE)
				}
				if math.Abs(rep.Cosine-1) > 1e-6 {
					t.Fatalf("identity rho = %v", rep.Cosine)
				}
				p, err := LoadPredictions(rep.PredictionsPath)
				if err != nil {
					t.Fatalf("LoadPredictions: %v", err)
				}
				if p.Estimate.Shape.N != 5 || p.Truth.Shape != p.Estimate.Shape || p.SplitIndex != 13 {
					t.Fatalf("predictions %v / %v", p.Estimate.Shape, p.Truth.Shape)
				}
			})
		}
	}
}

func TestRunWith_TruncationCountsInFullScore(t *testing.T) {
	inner := datasets.Shape{T: 2, D: 4, A: 4}
	tmpl := writeBatches(t, t.TempDir(), 3, 6, inner)
	c := testConfig(t, tmpl, t.TempDir())
	c.Data.Truncate = 2
	rep, err := RunWith(context.Background(), c, identityBuilder, quiet())
	if err != nil {
		t.Fatalf("RunWith: %v", err)
	}
	if rep.Shape.D != 2 {
		t.Fatalf("shape after truncation = %v", rep.Shape)
	}
	if rep.Score.NMSE > 1e-10 {
		t.Fatalf("truncated NMSE = %v", rep.Score.NMSE)
	}
	// roughly half the energy was cut
	if rep.ScoreFull.NMSE < 0.2 || rep.ScoreFull.NMSE > 0.8 {
		t.Fatalf("full NMSE = %v", rep.ScoreFull.NMSE)
	}
}

func TestRun_TrainsAndPersists(t *testing.T) {
	inner := datasets.Shape{T: 2, D: 4, A: 4}
	tmpl := writeBatches(t, t.TempDir(), 3, 6, inner)
	out := t.TempDir()
	c := testConfig(t, tmpl, out)
	c.Window.InputSlots = []int{0}
	c.Training.SaveBest = true
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	rep, err := Run(context.Background(), c, quiet())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Train.History.Epochs == 0 || math.IsNaN(rep.Score.NMSE) || rep.Score.MSE <= 0 {
		t.Fatalf("report = %+v", rep)
	}

	sink := trainer.FileSink{Dir: out, Name: "test"}
	ck, _, err := sink.Load()
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if ck.BestNMSE != rep.Score.NMSE || ck.BestMSEFull != rep.ScoreFull.MSE {
		t.Fatalf("checkpoint scores %v/%v, report %v/%v", ck.BestNMSE, ck.BestMSEFull, rep.Score.NMSE, rep.ScoreFull.MSE)
	}
	if _, err := os.Stat(sink.BestPath()); err != nil {
		t.Fatalf("best model not saved: %v", err)
	}

	store, err := stats.Open(stats.KindGob, filepath.Join(out, "stats"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	meta, err := normalize.LoadMeta(context.Background(), store, c.Dom)
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if meta.SplitIndex != 13 || meta.Samples != 18 || meta.Mode != normalize.Spherical {
		t.Fatalf("meta = %+v", meta)
	}
	val, err := store.Get(context.Background(), "t2_power_val")
	if err != nil {
		t.Fatalf("validation powers: %v", err)
	}
	if v, _ := val.Vector(stats.PowerKey); len(v) != 5 {
		t.Fatalf("validation power vector has %d entries", len(v))
	}
}

func TestRun_SplitIndexOverride(t *testing.T) {
	inner := datasets.Shape{T: 2, D: 4, A: 4}
	tmpl := writeBatches(t, t.TempDir(), 3, 6, inner)
	c := testConfig(t, tmpl, t.TempDir())
	idx := 12
	c.Data.SplitIndex = &idx
	rep, err := RunWith(context.Background(), c, identityBuilder, quiet())
	if err != nil {
		t.Fatalf("RunWith: %v", err)
	}
	if rep.SplitIndex != 12 {
		t.Fatalf("split = %d, want 12", rep.SplitIndex)
	}

	idx = 18
	if _, err := RunWith(context.Background(), c, identityBuilder, quiet()); err == nil {
		t.Fatalf("expected error for an empty validation partition")
	}
}

func TestComputeStats_AllDomains(t *testing.T) {
	inner := datasets.Shape{T: 2, D: 4, A: 4}
	tmpl := writeBatches(t, t.TempDir(), 2, 5, inner)
	out := t.TempDir()
	c := testConfig(t, tmpl, out)
	c.Data.BatchSizes = nil
	c.Stats.Store = "sqlite"
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	names, err := ComputeStats(context.Background(), c, quiet())
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	for _, want := range []string{
		"t1_power", "t2_power", "t1_power_val",
		"t1_delang_power", "t2_freq_power_val",
		"timeslot_extrema_pre", "timeslot_extrema_sph_delang", "timeslot_extrema_sph_mag_freq",
		"meta", "meta_delang", "meta_freq",
	} {
		if !have[want] {
			t.Errorf("artifact %s missing from %v", want, names)
		}
	}
	if _, err := os.Stat(filepath.Join(out, "test-stats.db")); err != nil {
		t.Fatalf("sqlite store not created: %v", err)
	}
}
