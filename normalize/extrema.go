package normalize

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/Noofbiz/csiflow/errs"
	"github.com/Noofbiz/csiflow/stats"
)

// Extrema tracks a running (min, max) per timeslot. A timeslot's pair is
// set by its first observation; later observations only lower the min or
// raise the max.
type Extrema struct {
	Min  []float64
	Max  []float64
	seen []bool
}

// NewExtrema returns an empty record for t timeslots.
func NewExtrema(t int) *Extrema {
	return &Extrema{Min: make([]float64, t), Max: make([]float64, t), seen: make([]bool, t)}
}

// Timeslots is the number of timeslots tracked.
func (e *Extrema) Timeslots() int { return len(e.Min) }

// Seen reports whether timeslot ts has been observed.
func (e *Extrema) Seen(ts int) bool { return ts >= 0 && ts < len(e.seen) && e.seen[ts] }

// Observe folds vals into timeslot ts.
func (e *Extrema) Observe(ts int, vals []float64) {
	if len(vals) == 0 {
		return
	}
	e.fold(ts, floats.Min(vals), floats.Max(vals))
}

func (e *Extrema) fold(ts int, lo, hi float64) {
	if !e.seen[ts] {
		e.Min[ts], e.Max[ts], e.seen[ts] = lo, hi, true
		return
	}
	e.Min[ts] = min(e.Min[ts], lo)
	e.Max[ts] = max(e.Max[ts], hi)
}

// Merge returns the elementwise combination of e and o. Merge is
// commutative and associative; an unseen timeslot is the identity.
func (e *Extrema) Merge(o *Extrema) (*Extrema, error) {
	if e.Timeslots() != o.Timeslots() {
		return nil, errors.Errorf("cannot merge extrema over %d and %d timeslots", e.Timeslots(), o.Timeslots())
	}
	out := NewExtrema(e.Timeslots())
	for _, src := range []*Extrema{e, o} {
		for ts := range src.seen {
			if src.seen[ts] {
				out.fold(ts, src.Min[ts], src.Max[ts])
			}
		}
	}
	return out, nil
}

// Range returns the pair of timeslot ts.
func (e *Extrema) Range(ts int) (lo, hi float64, err error) {
	if !e.Seen(ts) {
		return 0, 0, errs.New(errs.MissingStatistic, errs.StageDenormalize, errs.Timeslot(ts), "no extrema recorded")
	}
	return e.Min[ts], e.Max[ts], nil
}

// span returns max-min of timeslot ts, failing when the range is empty.
func (e *Extrema) span(ts int, stage errs.Stage) (lo, width float64, err error) {
	lo, hi, err := e.Range(ts)
	if err != nil {
		return 0, 0, err
	}
	width = hi - lo
	if !(width > 0) || !isFinite(width) {
		return 0, 0, errs.New(errs.DegeneratePower, stage, errs.Timeslot(ts), "extrema range [%v, %v] is empty", lo, hi)
	}
	return lo, width, nil
}

// Record encodes the extrema as a [min, max] vector pair. Every timeslot
// must have been observed.
func (e *Extrema) Record() (stats.Record, error) {
	for ts, s := range e.seen {
		if !s {
			return nil, errs.New(errs.MissingStatistic, errs.StageNormalize, errs.Timeslot(ts), "timeslot never observed")
		}
	}
	lo := append([]float64(nil), e.Min...)
	hi := append([]float64(nil), e.Max...)
	return stats.Record{stats.ExtremaKey: {lo, hi}}, nil
}

// ExtremaFromRecord decodes a record written by Extrema.Record.
func ExtremaFromRecord(rec stats.Record) (*Extrema, error) {
	lo, hi, err := rec.Pair(stats.ExtremaKey)
	if err != nil {
		return nil, err
	}
	e := NewExtrema(len(lo))
	for ts := range lo {
		if lo[ts] > hi[ts] {
			return nil, errors.Errorf("timeslot %d: min %v exceeds max %v", ts, lo[ts], hi[ts])
		}
		e.fold(ts, lo[ts], hi[ts])
	}
	return e, nil
}
