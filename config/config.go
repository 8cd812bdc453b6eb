// Package config holds the run configuration: a JSON document with defaults,
// validated once, with every mode string parsed into its closed enum.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/Noofbiz/csiflow/datasets"
	"github.com/Noofbiz/csiflow/domain"
	"github.com/Noofbiz/csiflow/normalize"
	"github.com/Noofbiz/csiflow/stats"
)

// Data describes the batch source and how the assembled tensor is split.
type Data struct {
	// PathTemplate contains "{id}", replaced by each batch id.
	PathTemplate string `json:"path_template"`
	Key          string `json:"key"`
	Format       string `json:"format"`

	// BatchIDs lists the batches in assembly order. Empty means every file
	// matching PathTemplate, in ascending id order.
	BatchIDs []int `json:"batch_ids"`
	// BatchSizes declares the sample count of each batch. A single entry
	// applies to every batch.
	BatchSizes []int `json:"batch_sizes"`
	// Total is the allocated sample count. Zero means the sum of BatchSizes.
	Total int `json:"total"`

	// ValidationSplit is the fraction of samples used for training; the
	// remainder is validation.
	ValidationSplit float64 `json:"validation_split"`
	// SplitIndex, when set, overrides the split point computed from
	// ValidationSplit.
	SplitIndex *int `json:"split_index,omitempty"`

	// Truncate shortens the delay axis. Zero keeps it whole.
	Truncate int `json:"truncate"`

	Timeslots int `json:"timeslots"`
	Delay     int `json:"delay"`
	Angle     int `json:"angle"`

	// Workers bounds the concurrent batch loads and normalization chunks.
	// Zero means runtime.NumCPU(); one loads and normalizes sequentially.
	Workers int `json:"workers"`
}

// Window selects the timeslots fed to the model and the one it predicts.
type Window struct {
	InputSlots []int `json:"input_slots"`
	TargetSlot int   `json:"target_slot"`
}

// Training holds the loop and model tunables.
type Training struct {
	Epochs          int     `json:"epochs"`
	Patience        int     `json:"patience"`
	BatchSize       int     `json:"batch_size"`
	LearningRate    float64 `json:"learning_rate"`
	Optimizer       string  `json:"optimizer"`
	HiddenSizes     []int   `json:"hidden_sizes"`
	CheckpointEvery int     `json:"checkpoint_every"`
	SaveBest        bool    `json:"save_best"`
	Shuffle         bool    `json:"shuffle"`
	AdamBeta1       float64 `json:"adam_beta1"`
	AdamBeta2       float64 `json:"adam_beta2"`
	AdamEps         float64 `json:"adam_eps"`
	ClipNorm        float64 `json:"clip_norm"`
}

// Stats selects the statistics store.
type Stats struct {
	Store string `json:"store"`
	// Path is a directory for the gob store and a file for sqlite. Empty
	// means a location under the output directory.
	Path string `json:"path"`
}

// Config is the full run configuration.
type Config struct {
	// Name prefixes every output file.
	Name      string `json:"name"`
	OutputDir string `json:"output_dir"`
	Seed      int64  `json:"seed"`

	Normalization string `json:"normalization"`
	Domain        string `json:"domain"`

	Data     Data     `json:"data"`
	Window   Window   `json:"window"`
	Training Training `json:"training"`
	Stats    Stats    `json:"stats"`

	// Parsed by Validate.
	Mode      normalize.Mode  `json:"-"`
	Format    datasets.Format `json:"-"`
	Dom       domain.Domain   `json:"-"`
	StoreKind stats.Kind      `json:"-"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "csinet"
	}
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.Normalization == "" {
		c.Normalization = "spherical"
	}
	if c.Domain == "" {
		c.Domain = domain.DelaySpatial.String()
	}
	if c.Data.Key == "" {
		c.Data.Key = "H_down"
	}
	if c.Data.Format == "" {
		c.Data.Format = "gob"
	}
	if c.Data.ValidationSplit == 0 {
		c.Data.ValidationSplit = 0.8
	}
	if c.Data.Timeslots == 0 {
		c.Data.Timeslots = 2
	}
	if c.Window.InputSlots == nil {
		c.Window.InputSlots = []int{0}
		if c.Window.TargetSlot == 0 {
			c.Window.TargetSlot = 1
		}
	}
	t := &c.Training
	if t.Epochs == 0 {
		t.Epochs = 10
	}
	if t.Patience == 0 {
		t.Patience = 5
	}
	if t.BatchSize == 0 {
		t.BatchSize = 32
	}
	if t.LearningRate == 0 {
		t.LearningRate = 0.001
	}
	if t.Optimizer == "" {
		t.Optimizer = "adam"
	}
	if len(t.HiddenSizes) == 0 {
		t.HiddenSizes = []int{64}
	}
	if t.AdamBeta1 == 0 {
		t.AdamBeta1 = 0.9
	}
	if t.AdamBeta2 == 0 {
		t.AdamBeta2 = 0.999
	}
	if t.AdamEps == 0 {
		t.AdamEps = 1e-8
	}
	if t.ClipNorm == 0 {
		t.ClipNorm = 5
	}
	if c.Stats.Store == "" {
		c.Stats.Store = "gob"
	}
}

// Load reads a JSON configuration file, fills defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes a JSON configuration, fills defaults and validates it.
// Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks ranges and parses the mode strings. It must be called
// again after fields are changed.
func (c *Config) Validate() error {
	var err error
	if c.Mode, err = normalize.ParseMode(c.Normalization); err != nil {
		return err
	}
	if c.Format, err = datasets.ParseFormat(c.Data.Format); err != nil {
		return err
	}
	if c.Dom, err = domain.Parse(c.Domain); err != nil {
		return err
	}
	if c.StoreKind, err = stats.ParseKind(c.Stats.Store); err != nil {
		return err
	}

	d := c.Data
	if d.PathTemplate != "" && !strings.Contains(d.PathTemplate, datasets.IDPlaceholder) {
		return errors.Errorf("path template %q has no %s placeholder", d.PathTemplate, datasets.IDPlaceholder)
	}
	if d.ValidationSplit <= 0 || d.ValidationSplit >= 1 {
		return errors.Errorf("validation split %v outside (0, 1)", d.ValidationSplit)
	}
	if d.SplitIndex != nil && *d.SplitIndex < 0 {
		return errors.Errorf("negative split index %d", *d.SplitIndex)
	}
	if d.Truncate < 0 || d.Timeslots < 0 || d.Delay < 0 || d.Angle < 0 || d.Total < 0 {
		return errors.New("data extents must not be negative")
	}
	if d.Workers < 0 {
		return errors.Errorf("negative worker count %d", d.Workers)
	}
	for i, s := range d.BatchSizes {
		if s <= 0 {
			return errors.Errorf("batch size %d at position %d", s, i)
		}
	}
	if len(d.BatchSizes) > 1 && len(d.BatchIDs) > 0 && len(d.BatchSizes) != len(d.BatchIDs) {
		return errors.Errorf("%d batch sizes for %d batch ids", len(d.BatchSizes), len(d.BatchIDs))
	}

	for _, s := range append([]int{c.Window.TargetSlot}, c.Window.InputSlots...) {
		if s < 0 || (d.Timeslots > 0 && s >= d.Timeslots) {
			return errors.Errorf("window timeslot %d outside [0, %d)", s, d.Timeslots)
		}
	}
	if len(c.Window.InputSlots) == 0 {
		return errors.New("window needs at least one input timeslot")
	}

	t := c.Training
	if t.Epochs <= 0 || t.BatchSize <= 0 {
		return errors.Errorf("epochs %d and batch size %d must be positive", t.Epochs, t.BatchSize)
	}
	if t.LearningRate <= 0 {
		return errors.Errorf("learning rate %v must be positive", t.LearningRate)
	}
	switch t.Optimizer {
	case "adam", "sgd":
	default:
		return errors.Errorf("unknown optimizer %q", t.Optimizer)
	}
	if t.CheckpointEvery < 0 {
		return errors.Errorf("negative checkpoint cadence %d", t.CheckpointEvery)
	}
	return nil
}

// SizeOf returns the declared sample count of the batch at position i.
func (d Data) SizeOf(i int) int {
	if len(d.BatchSizes) == 1 {
		return d.BatchSizes[0]
	}
	return d.BatchSizes[i]
}

// Sizes expands BatchSizes to one entry per batch.
func (d Data) Sizes(batches int) []int {
	out := make([]int, batches)
	for i := range out {
		out[i] = d.SizeOf(i)
	}
	return out
}

// StatsPath resolves the statistics store location.
func (c *Config) StatsPath() string {
	if c.Stats.Path != "" {
		return c.Stats.Path
	}
	if c.StoreKind == stats.KindSQLite {
		return filepath.Join(c.OutputDir, c.Name+"-stats.db")
	}
	return filepath.Join(c.OutputDir, "stats")
}

// Source returns the batch source described by the data section.
func (c *Config) Source() datasets.Source {
	return datasets.Source{
		PathTemplate: c.Data.PathTemplate,
		Key:          c.Data.Key,
		Format:       c.Format,
		Timeslots:    c.Data.Timeslots,
		Delay:        c.Data.Delay,
		Angle:        c.Data.Angle,
	}
}

// JSON renders the configuration, indented.
func (c *Config) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
