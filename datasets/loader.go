package datasets

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"

	"github.com/Noofbiz/csiflow/errs"
)

// Format selects the on-disk container a Source is read from.
type Format int

const (
	// FormatGob is a hierarchical container: named arrays under
	// slash-separated keys, gob encoded.
	FormatGob Format = iota
	// FormatNPZ is a flat matrix container: one 2-D float64 matrix of shape
	// (S, T*2*D*A) per key, stored as a NumPy npz archive.
	FormatNPZ
)

func (f Format) String() string {
	switch f {
	case FormatGob:
		return "gob"
	case FormatNPZ:
		return "npz"
	default:
		return "Format(" + strconv.Itoa(int(f)) + ")"
	}
}

// ParseFormat maps a configuration string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gob", "":
		return FormatGob, nil
	case "npz":
		return FormatNPZ, nil
	}
	return 0, errors.Errorf("unknown batch format %q", s)
}

// IDPlaceholder is replaced by the batch identifier in a path template.
const IDPlaceholder = "{id}"

// Source describes where batches live and how to decode them.
type Source struct {
	// PathTemplate, e.g. "data/H_batch{id}.npz".
	PathTemplate string
	// Key names the array inside each container.
	Key    string
	Format Format

	// Timeslots, Delay and Angle give the per-sample shape. They are
	// required to decode FormatNPZ rows and checked for FormatGob arrays
	// when non-zero.
	Timeslots int
	Delay     int
	Angle     int
}

// Path composes the source path of batch id.
func (s Source) Path(id int) string {
	return strings.ReplaceAll(s.PathTemplate, IDPlaceholder, strconv.Itoa(id))
}

// Loader reads one batch by identifier.
type Loader interface {
	Load(ctx context.Context, id int) (*RawBatch, error)
}

// NewLoader returns the Loader for src.Format.
func NewLoader(src Source) (Loader, error) {
	if !strings.Contains(src.PathTemplate, IDPlaceholder) {
		return nil, errors.Errorf("path template %q has no %s placeholder", src.PathTemplate, IDPlaceholder)
	}
	if src.Key == "" {
		return nil, errors.New("source key is empty")
	}
	switch src.Format {
	case FormatGob:
		return &gobLoader{src: src}, nil
	case FormatNPZ:
		if src.Timeslots <= 0 || src.Delay <= 0 || src.Angle <= 0 {
			return nil, errors.New("npz sources need timeslots, delay and angle")
		}
		return &npzLoader{src: src}, nil
	}
	return nil, errors.Errorf("unsupported format %v", src.Format)
}

// Array is one named array of a gob container. With four dimensions
// (S, T, D, A) Re and Im hold the real and imaginary parts; with five
// dimensions (S, T, 2, D, A) Re holds the interleaved real-pair encoding and
// Im is empty.
type Array struct {
	Dims []int
	Re   []float32
	Im   []float32
}

// Container is the gob batch file layout.
type Container struct {
	Arrays map[string]Array
}

type gobLoader struct {
	src Source
}

func (l *gobLoader) Load(ctx context.Context, id int) (*RawBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := l.src.Path(id)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open batch %d", id)
	}
	defer f.Close()

	var c Container
	if err := gob.NewDecoder(f).Decode(&c); err != nil {
		return nil, errors.Wrapf(err, "decode batch %s", path)
	}
	arr, ok := c.Arrays[l.src.Key]
	if !ok {
		return nil, errors.Errorf("batch %s has no array %q", path, l.src.Key)
	}

	var b *RawBatch
	switch len(arr.Dims) {
	case 5:
		b, err = FromSplit(id, arr.Dims, arr.Re)
	case 4:
		b, err = fromParts(id, arr)
	default:
		err = errs.New(errs.ShapeMismatch, errs.StageLoad, errs.Batch(id), "array %q has dimensions %v", l.src.Key, arr.Dims)
	}
	if err != nil {
		return nil, err
	}
	return b, checkDeclared(l.src, b)
}

func fromParts(id int, arr Array) (*RawBatch, error) {
	s := Shape{N: arr.Dims[0], T: arr.Dims[1], D: arr.Dims[2], A: arr.Dims[3]}
	if len(arr.Re) != s.Len() || (len(arr.Im) != 0 && len(arr.Im) != s.Len()) {
		return nil, errs.New(errs.ShapeMismatch, errs.StageLoad, errs.Batch(id),
			"parts of length %d/%d do not fill %v", len(arr.Re), len(arr.Im), s)
	}
	values := make([]complex128, s.Len())
	for i, re := range arr.Re {
		var im float32
		if len(arr.Im) != 0 {
			im = arr.Im[i]
		}
		values[i] = complex(float64(re), float64(im))
	}
	return &RawBatch{ID: id, Shape: s, Values: values}, nil
}

func checkDeclared(src Source, b *RawBatch) error {
	s := b.Shape
	if (src.Timeslots > 0 && s.T != src.Timeslots) ||
		(src.Delay > 0 && s.D != src.Delay) ||
		(src.Angle > 0 && s.A != src.Angle) {
		return errs.New(errs.ShapeMismatch, errs.StageLoad, errs.Batch(b.ID),
			"shape %v disagrees with declared T=%d D=%d A=%d", s, src.Timeslots, src.Delay, src.Angle)
	}
	return nil
}

type npzLoader struct {
	src Source
}

func (l *npzLoader) Load(ctx context.Context, id int) (*RawBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := l.src.Path(id)
	r, err := npz.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open batch %d", id)
	}
	defer r.Close()

	var m mat.Dense
	if err := r.Read(l.src.Key, &m); err != nil {
		return nil, errors.Wrapf(err, "read %q from %s", l.src.Key, path)
	}
	rows, cols := m.Dims()
	return FromFlat(id, rows, cols, m.RawMatrix().Data, l.src.Timeslots, l.src.Delay, l.src.Angle)
}

// WriteGobBatch writes b to path as a gob container under key. It uses the
// four-dimensional real/imaginary parts layout.
func WriteGobBatch(path, key string, b *RawBatch) error {
	re := make([]float32, len(b.Values))
	im := make([]float32, len(b.Values))
	for i, v := range b.Values {
		re[i] = float32(real(v))
		im[i] = float32(imag(v))
	}
	c := Container{Arrays: map[string]Array{key: {Dims: b.Shape.Dims(), Re: re, Im: im}}}
	return writeGob(path, &c)
}

// WriteNPZBatch writes b to path as an npz archive holding one
// (S, T*2*D*A) matrix under key.
func WriteNPZBatch(path, key string, b *RawBatch) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	w, err := npz.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	m := mat.NewDense(b.Shape.N, 2*b.Shape.SampleLen(), b.flatRows())
	if err := w.Write(key, m); err != nil {
		w.Close()
		return errors.Wrapf(err, "write %q to %s", key, path)
	}
	return errors.Wrapf(w.Close(), "close %s", path)
}

func writeGob(path string, v any) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return errors.Wrapf(os.MkdirAll(dir, 0755), "mkdir %s", dir)
}
