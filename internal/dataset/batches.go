package dataset

import (
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ayush6447/Embyro/internal/imaging"
)

// StepsPerEpoch is the number of full batches in a partition. A trailing
// partial batch is not counted.
func StepsPerEpoch(n, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return n / batchSize
}

// Resolver finds image files by name under a root directory.
type Resolver struct {
	dir string

	once  sync.Once
	index map[string]string
}

// NewResolver creates a resolver rooted at dir.
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the path of name, trying dir/name first and then any
// file with that exact name found by walking dir.
func (r *Resolver) Resolve(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	direct := filepath.Join(r.dir, name)
	if st, err := os.Stat(direct); err == nil && st.Mode().IsRegular() {
		return direct, true
	}

	r.once.Do(r.buildIndex)
	p, ok := r.index[name]
	return p, ok
}

func (r *Resolver) buildIndex() {
	r.index = make(map[string]string)
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtrees are skipped
			return nil
		}
		if d.Type().IsRegular() {
			if _, seen := r.index[d.Name()]; !seen {
				r.index[d.Name()] = path
			}
		}
		return nil
	})
	if err != nil {
		slog.Debug("image index walk failed", "dir", r.dir, "error", err)
	}
}

// LoadFunc turns a resolved image path into a per-row model input.
type LoadFunc[T any] func(path string) (T, error)

// LoadImage reads and preprocesses the image at path.
func LoadImage(path string) (*imaging.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image: %s", path)
	}
	return imaging.Preprocess(raw)
}

// Batch is a set of rows whose images resolved and loaded.
type Batch[T any] struct {
	Samples []Sample
	Inputs  []T
}

// Len returns the number of usable rows.
func (b *Batch[T]) Len() int {
	return len(b.Samples)
}

// Loader produces per-epoch batch iterators over a partition.
type Loader[T any] struct {
	BatchSize int
	Resolver  *Resolver
	Load      LoadFunc[T]
	Rand      *rand.Rand
	// Log receives skipped-row messages. Nil uses slog.Default().
	Log *slog.Logger
}

// NewLoader creates a loader whose epoch order is seeded from the clock.
func NewLoader[T any](batchSize int, res *Resolver, load LoadFunc[T]) *Loader[T] {
	return &Loader[T]{
		BatchSize: batchSize,
		Resolver:  res,
		Load:      load,
		Rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *Loader[T]) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

// Epoch reshuffles a copy of samples and returns an iterator over
// StepsPerEpoch nominal batches of it.
func (l *Loader[T]) Epoch(samples []Sample) *Iterator[T] {
	order := make([]Sample, len(samples))
	copy(order, samples)
	l.Rand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return &Iterator[T]{
		loader: l,
		order:  order,
		steps:  StepsPerEpoch(len(order), l.BatchSize),
	}
}

// Iterator walks one epoch of batches.
type Iterator[T any] struct {
	loader  *Loader[T]
	order   []Sample
	step    int
	steps   int
	skipped int
}

// Steps returns the number of nominal batches in the epoch.
func (it *Iterator[T]) Steps() int {
	return it.steps
}

// Skipped returns the number of rows dropped so far because their image
// could not be resolved or loaded.
func (it *Iterator[T]) Skipped() int {
	return it.skipped
}

// Next returns the next non-empty batch. Batches in which every row was
// skipped are passed over.
func (it *Iterator[T]) Next() (*Batch[T], bool) {
	bs := it.loader.BatchSize
	for it.step < it.steps {
		rows := it.order[it.step*bs : (it.step+1)*bs]
		it.step++

		b := &Batch[T]{}
		for _, s := range rows {
			path, ok := it.loader.Resolver.Resolve(s.Image)
			if !ok {
				it.skipped++
				continue
			}
			in, err := it.loader.Load(path)
			if err != nil {
				it.loader.logger().Debug("skipping row", "image", s.Image, "error", err)
				it.skipped++
				continue
			}
			b.Samples = append(b.Samples, s)
			b.Inputs = append(b.Inputs, in)
		}
		if b.Len() > 0 {
			return b, true
		}
	}
	return nil, false
}
