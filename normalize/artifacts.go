package normalize

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/Noofbiz/csiflow/domain"
	"github.com/Noofbiz/csiflow/errs"
	"github.com/Noofbiz/csiflow/stats"
)

// Extrema artifact variants.
const (
	VariantPre    = "pre"
	VariantSph    = "sph"
	VariantSphMag = "sph_mag"
	VariantMag    = "mag"
)

// PowerName names the power artifact of timeslot ts (0-based) in domain d.
// Validation-only passes use the "_val" suffix.
func PowerName(ts int, d domain.Domain, val bool) string {
	name := fmt.Sprintf("t%d%s_power", ts+1, d.Suffix())
	if val {
		name += "_val"
	}
	return name
}

// ExtremaName names the extrema artifact of a variant in domain d.
func ExtremaName(variant string, d domain.Domain) string {
	return "timeslot_extrema_" + variant + d.Suffix()
}

// MetaName names the pass metadata artifact of domain d.
func MetaName(d domain.Domain) string { return "meta" + d.Suffix() }

// metaVersion is incremented when the artifact layout changes.
const metaVersion = 1

// Meta describes the pass that produced a set of artifacts.
type Meta struct {
	Mode      Mode
	Samples   int
	Timeslots int
	// SplitIndex is the number of leading training samples.
	SplitIndex int
}

func (m Meta) record() stats.Record {
	return stats.Record{
		"version":     {{metaVersion}},
		"mode":        {{float64(m.Mode)}},
		"samples":     {{float64(m.Samples)}},
		"timeslots":   {{float64(m.Timeslots)}},
		"split_index": {{float64(m.SplitIndex)}},
	}
}

// LoadMeta reads the metadata artifact of domain d.
func LoadMeta(ctx context.Context, store stats.Store, d domain.Domain) (Meta, error) {
	rec, err := store.Get(ctx, MetaName(d))
	if err != nil {
		return Meta{}, err
	}
	field := func(key string) (int, error) {
		v, err := rec.Vector(key)
		if err != nil {
			return 0, err
		}
		if len(v) != 1 {
			return 0, errors.Errorf("meta field %q has %d values", key, len(v))
		}
		return int(v[0]), nil
	}
	var m Meta
	version, err := field("version")
	if err != nil {
		return Meta{}, err
	}
	if version != metaVersion {
		return Meta{}, errors.Errorf("artifact version mismatch: store=%d expected=%d", version, metaVersion)
	}
	mode, err := field("mode")
	if err != nil {
		return Meta{}, err
	}
	m.Mode = Mode(mode)
	if m.Samples, err = field("samples"); err != nil {
		return Meta{}, err
	}
	if m.Timeslots, err = field("timeslots"); err != nil {
		return Meta{}, err
	}
	if m.SplitIndex, err = field("split_index"); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// PersistOptions controls which artifacts Persist writes.
type PersistOptions struct {
	Domain domain.Domain
	// Validation marks a validation-only pass: power artifacts get the
	// "_val" suffix and extrema and metadata are not written.
	Validation bool
	Meta       Meta
}

// Persist writes one power artifact per timeslot (spherical modes), one
// extrema artifact per recorded variant and the pass metadata.
func Persist(ctx context.Context, store stats.Store, acc *Accumulator, opts PersistOptions) error {
	if acc.Powers != nil {
		for ts, p := range acc.Powers {
			name := PowerName(ts, opts.Domain, opts.Validation)
			if err := store.Put(ctx, name, stats.Record{stats.PowerKey: {p}}); err != nil {
				return errors.Wrapf(err, "persist %s", name)
			}
		}
	}
	if opts.Validation {
		return nil
	}

	variants := []struct {
		name string
		ext  *Extrema
	}{
		{VariantPre, acc.Pre},
		{VariantSph, acc.Sph},
		{VariantSphMag, acc.SphMag},
		{VariantMag, acc.Mag},
	}
	for _, v := range variants {
		if v.ext == nil {
			continue
		}
		rec, err := v.ext.Record()
		if err != nil {
			return err
		}
		name := ExtremaName(v.name, opts.Domain)
		if err := store.Put(ctx, name, rec); err != nil {
			return errors.Wrapf(err, "persist %s", name)
		}
	}
	meta := opts.Meta
	meta.Samples, meta.Timeslots = acc.N, acc.T
	return errors.Wrap(store.Put(ctx, MetaName(opts.Domain), meta.record()), "persist meta")
}

// loadPowers reads the power artifact of each timeslot.
func loadPowers(ctx context.Context, store stats.Store, d domain.Domain, timeslots []int) (map[int][]float64, error) {
	out := make(map[int][]float64, len(timeslots))
	for _, ts := range timeslots {
		rec, err := store.Get(ctx, PowerName(ts, d, false))
		if err != nil {
			return nil, withTimeslot(err, ts)
		}
		p, err := rec.Vector(stats.PowerKey)
		if err != nil {
			return nil, withTimeslot(err, ts)
		}
		out[ts] = p
	}
	return out, nil
}

func loadExtrema(ctx context.Context, store stats.Store, variant string, d domain.Domain) (*Extrema, error) {
	rec, err := store.Get(ctx, ExtremaName(variant, d))
	if err != nil {
		return nil, err
	}
	return ExtremaFromRecord(rec)
}

func withTimeslot(err error, ts int) error {
	if errs.Is(err, errs.MissingStatistic) {
		return errs.Wrap(err, errs.MissingStatistic, errs.StageDenormalize, errs.Timeslot(ts))
	}
	return err
}
