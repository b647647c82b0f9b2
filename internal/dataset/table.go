// Package dataset reads the graded blastocyst table, cleans it, and splits
// it into training and validation partitions.
package dataset

import (
	"encoding/csv"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	DefaultDelimiter          = ';'
	DefaultImageColumn        = "Image"
	DefaultValidationFraction = 0.2
	DefaultSeed               = 42

	tokenExpansion = "EXP"
	tokenICM       = "ICM"
	tokenTE        = "TE"
)

var (
	ErrMissingColumn   = errors.New("required column not found")
	ErrAmbiguousColumn = errors.New("ambiguous grade column")
	ErrEmptyTable      = errors.New("table has no header")

	missingTokens = map[string]struct{}{"": {}, "ND": {}, "NA": {}, "?": {}}
)

// ColumnPolicy decides what happens when a grade token matches more than
// one header.
type ColumnPolicy int

const (
	// FirstMatch takes the first header containing the token.
	FirstMatch ColumnPolicy = iota
	// Strict rejects any header set where a token is matched more than
	// once or a header is claimed by more than one token.
	Strict
)

// ParseColumnPolicy converts "first" or "strict" to a ColumnPolicy.
func ParseColumnPolicy(s string) (ColumnPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first", "first-match":
		return FirstMatch, nil
	case "strict":
		return Strict, nil
	default:
		return FirstMatch, errors.Errorf("unknown column policy: %q", s)
	}
}

// Sample is one cleaned, fully labeled row.
type Sample struct {
	Image     string  `json:"image"`
	Expansion float64 `json:"expansion"`
	ICM       float64 `json:"icm"`
	TE        float64 `json:"te"`
}

// Columns names the headers used for each field.
type Columns struct {
	Image     string `json:"image"`
	Expansion string `json:"expansion"`
	ICM       string `json:"icm"`
	TE        string `json:"te"`
}

// Options configure table loading.
type Options struct {
	Delimiter          rune
	ImageColumn        string
	ValidationFraction float64
	Seed               int64
	Policy             ColumnPolicy
}

// DefaultOptions returns the options matching the published dataset layout.
func DefaultOptions() Options {
	return Options{
		Delimiter:          DefaultDelimiter,
		ImageColumn:        DefaultImageColumn,
		ValidationFraction: DefaultValidationFraction,
		Seed:               DefaultSeed,
		Policy:             FirstMatch,
	}
}

// Table is the cleaned dataset with its partitions.
type Table struct {
	Columns    Columns
	Total      int
	Dropped    int
	Samples    []Sample
	Train      []Sample
	Validation []Sample
}

// Load reads and partitions the table at path.
func Load(path string, opts Options) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open table: %s", path)
	}
	defer f.Close()

	t, err := Read(f, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read table: %s", path)
	}
	return t, nil
}

// Read parses, cleans, shuffles and splits a delimited table.
func Read(r io.Reader, opts Options) (*Table, error) {
	if opts.ValidationFraction < 0 || opts.ValidationFraction >= 1 {
		return nil, errors.Errorf("validation fraction must be in [0,1), got %v", opts.ValidationFraction)
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = DefaultDelimiter
	}
	if opts.ImageColumn == "" {
		opts.ImageColumn = DefaultImageColumn
	}

	cr := csv.NewReader(r)
	cr.Comma = opts.Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmptyTable
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	cols, idx, err := mapColumns(header, opts.ImageColumn, opts.Policy)
	if err != nil {
		return nil, err
	}

	t := &Table{Columns: cols}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read row %d", t.Total+1)
		}
		t.Total++

		s, ok := parseRow(rec, idx)
		if !ok {
			t.Dropped++
			continue
		}
		t.Samples = append(t.Samples, s)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	rng.Shuffle(len(t.Samples), func(i, j int) {
		t.Samples[i], t.Samples[j] = t.Samples[j], t.Samples[i]
	})

	split := int(math.Floor(float64(len(t.Samples)) * (1 - opts.ValidationFraction)))
	t.Train = t.Samples[:split]
	t.Validation = t.Samples[split:]

	return t, nil
}

type columnIndex struct {
	image, exp, icm, te int
}

func mapColumns(header []string, imageCol string, policy ColumnPolicy) (Columns, columnIndex, error) {
	idx := columnIndex{image: -1}
	for i, h := range header {
		if h == imageCol {
			idx.image = i
			break
		}
	}
	if idx.image < 0 {
		return Columns{}, idx, errors.Wrapf(ErrMissingColumn, "image column %q", imageCol)
	}

	claimed := make(map[int]string)
	find := func(token string) (int, error) {
		var matches []int
		for i, h := range header {
			if i != idx.image && strings.Contains(h, token) {
				matches = append(matches, i)
			}
		}
		if len(matches) == 0 {
			return -1, errors.Wrapf(ErrMissingColumn, "no header contains %q", token)
		}
		if policy == Strict {
			if len(matches) > 1 {
				names := make([]string, len(matches))
				for i, m := range matches {
					names[i] = header[m]
				}
				return -1, errors.Wrapf(ErrAmbiguousColumn, "%q matches %s", token, strings.Join(names, ", "))
			}
			if other, ok := claimed[matches[0]]; ok {
				return -1, errors.Wrapf(ErrAmbiguousColumn, "%q matches both %q and %q", header[matches[0]], other, token)
			}
			claimed[matches[0]] = token
		}
		return matches[0], nil
	}

	var err error
	if idx.exp, err = find(tokenExpansion); err != nil {
		return Columns{}, idx, err
	}
	if idx.icm, err = find(tokenICM); err != nil {
		return Columns{}, idx, err
	}
	if idx.te, err = find(tokenTE); err != nil {
		return Columns{}, idx, err
	}

	return Columns{
		Image:     header[idx.image],
		Expansion: header[idx.exp],
		ICM:       header[idx.icm],
		TE:        header[idx.te],
	}, idx, nil
}

func parseRow(rec []string, idx columnIndex) (Sample, bool) {
	field := func(i int) string {
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var grades [3]float64
	for n, i := range []int{idx.exp, idx.icm, idx.te} {
		v, ok := parseGrade(field(i))
		if !ok {
			return Sample{}, false
		}
		grades[n] = v
	}

	return Sample{
		Image:     field(idx.image),
		Expansion: grades[0],
		ICM:       grades[1],
		TE:        grades[2],
	}, true
}

func parseGrade(s string) (float64, bool) {
	if _, missing := missingTokens[s]; missing {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
