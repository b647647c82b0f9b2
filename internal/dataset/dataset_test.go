package dataset

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayush6447/Embyro/internal/imaging"
)

const sampleTable = `Image ; EXP_silver ;ICM_silver; TE_silver
0175_05.png;3;1;1
0176_01.png;4;2;2
0177_02.png;ND;2;2
0178_03.png;2;NA;1
0179_04.png;5;3;?
0180_05.png;1;x;1
0181_06.png;6;3;3
0182_07.png;2;1
`

func TestRead_CleansAndCounts(t *testing.T) {
	tbl, err := Read(strings.NewReader(sampleTable), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, Columns{Image: "Image", Expansion: "EXP_silver", ICM: "ICM_silver", TE: "TE_silver"}, tbl.Columns)
	assert.Equal(t, 8, tbl.Total)
	assert.Equal(t, 5, tbl.Dropped)
	require.Len(t, tbl.Samples, 3)

	names := make(map[string]Sample)
	for _, s := range tbl.Samples {
		names[s.Image] = s
	}
	assert.Equal(t, Sample{Image: "0181_06.png", Expansion: 6, ICM: 3, TE: 3}, names["0181_06.png"])
	assert.Contains(t, names, "0175_05.png")
	assert.Contains(t, names, "0176_01.png")
}

func TestRead_Idempotent(t *testing.T) {
	var b strings.Builder
	b.WriteString("Image;EXP;ICM;TE\n")
	for i := 0; i < 57; i++ {
		exp := fmt.Sprint(i%6 + 1)
		if i%7 == 0 {
			exp = "ND"
		}
		fmt.Fprintf(&b, "img_%03d.png;%s;%d;%d\n", i, exp, i%3+1, (i+1)%3+1)
	}

	first, err := Read(strings.NewReader(b.String()), DefaultOptions())
	require.NoError(t, err)
	second, err := Read(strings.NewReader(b.String()), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, first.Dropped, second.Dropped)
	assert.Equal(t, len(first.Train), len(second.Train))
	assert.Equal(t, len(first.Validation), len(second.Validation))
	assert.Equal(t, first.Train, second.Train)

	// 57 rows, 9 dropped, 48 kept, floor(48*0.8) = 38
	assert.Equal(t, 9, first.Dropped)
	assert.Len(t, first.Train, 38)
	assert.Len(t, first.Validation, 10)
}

func TestRead_FirstMatchPolicy(t *testing.T) {
	table := "Image;EXP_gold;EXP_silver;ICM;TE\na.png;1;2;3;3\n"
	tbl, err := Read(strings.NewReader(table), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "EXP_gold", tbl.Columns.Expansion)
	assert.Equal(t, 1.0, tbl.Samples[0].Expansion)
}

func TestRead_StrictPolicy(t *testing.T) {
	opts := DefaultOptions()
	opts.Policy = Strict

	_, err := Read(strings.NewReader("Image;EXP_gold;EXP_silver;ICM;TE\n"), opts)
	assert.ErrorIs(t, err, ErrAmbiguousColumn)

	_, err = Read(strings.NewReader("Image;EXP_TE;ICM;TE\n"), opts)
	assert.ErrorIs(t, err, ErrAmbiguousColumn)

	_, err = Read(strings.NewReader("Image;EXP;ICM;TE\n"), opts)
	assert.NoError(t, err)
}

func TestRead_MissingColumns(t *testing.T) {
	_, err := Read(strings.NewReader("Image;EXP;ICM\n"), DefaultOptions())
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = Read(strings.NewReader("File;EXP;ICM;TE\n"), DefaultOptions())
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = Read(strings.NewReader(""), DefaultOptions())
	assert.ErrorIs(t, err, ErrEmptyTable)
}

func TestRead_InvalidFraction(t *testing.T) {
	opts := DefaultOptions()
	opts.ValidationFraction = 1
	_, err := Read(strings.NewReader(sampleTable), opts)
	assert.Error(t, err)
}

func TestParseColumnPolicy(t *testing.T) {
	p, err := ParseColumnPolicy("strict")
	require.NoError(t, err)
	assert.Equal(t, Strict, p)

	p, err = ParseColumnPolicy("")
	require.NoError(t, err)
	assert.Equal(t, FirstMatch, p)

	_, err = ParseColumnPolicy("loose")
	assert.Error(t, err)
}

func TestStepsPerEpoch(t *testing.T) {
	assert.Equal(t, 3, StepsPerEpoch(10, 3))
	assert.Equal(t, 0, StepsPerEpoch(2, 3))
	assert.Equal(t, 0, StepsPerEpoch(10, 0))
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestResolver(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "top.png"))
	writePNG(t, filepath.Join(dir, "nested", "deep", "inner.png"))

	r := NewResolver(dir)

	p, ok := r.Resolve("top.png")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "top.png"), p)

	p, ok = r.Resolve("inner.png")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "nested", "deep", "inner.png"), p)

	_, ok = r.Resolve("absent.png")
	assert.False(t, ok)
}

func TestIterator_TruncatesToFullBatches(t *testing.T) {
	samples := make([]Sample, 10)
	for i := range samples {
		samples[i] = Sample{Image: fmt.Sprintf("%d", i)}
	}

	l := &Loader[string]{
		BatchSize: 3,
		Resolver:  NewResolver(t.TempDir()),
		Load:      func(path string) (string, error) { return path, nil },
		Rand:      rand.New(rand.NewSource(1)),
	}
	// every name resolves through a stub index
	l.Resolver.once.Do(func() {
		l.Resolver.index = make(map[string]string)
		for _, s := range samples {
			l.Resolver.index[s.Image] = s.Image
		}
	})

	it := l.Epoch(samples)
	assert.Equal(t, 3, it.Steps())

	seen := 0
	batches := 0
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		batches++
		seen += b.Len()
		assert.Equal(t, 3, b.Len())
	}
	assert.Equal(t, 3, batches)
	assert.Equal(t, 9, seen, "the trailing partial batch is not visited")
}

func TestIterator_SkipsUnloadableRows(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"))
	writePNG(t, filepath.Join(dir, "sub", "b.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("nope"), 0o644))

	samples := []Sample{
		{Image: "a.png", Expansion: 3, ICM: 2, TE: 2},
		{Image: "b.png", Expansion: 4, ICM: 2, TE: 1},
		{Image: "broken.png", Expansion: 2, ICM: 1, TE: 1},
		{Image: "missing.png", Expansion: 2, ICM: 1, TE: 1},
	}

	l := NewLoader[*imaging.Tensor](4, NewResolver(dir), LoadImage)
	it := l.Epoch(samples)

	b, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, 2, b.Len())
	for _, in := range b.Inputs {
		assert.Equal(t, imaging.Size, in.Width)
	}
	assert.Equal(t, 2, it.Skipped())

	_, ok = it.Next()
	assert.False(t, ok)
}

func TestLogging_UsesInjectedLogger(t *testing.T) {
	var global bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&global, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	_, err := Read(strings.NewReader(sampleTable), DefaultOptions())
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("nope"), 0o644))

	var own bytes.Buffer
	l := NewLoader[*imaging.Tensor](1, NewResolver(dir), LoadImage)
	l.Log = slog.New(slog.NewTextHandler(&own, &slog.HandlerOptions{Level: slog.LevelDebug}))
	_, ok := l.Epoch([]Sample{{Image: "broken.png"}}).Next()
	assert.False(t, ok)

	assert.Empty(t, global.String())
	assert.Contains(t, own.String(), "skipping row")
}

func TestIterator_AllSkippedBatchIsPassedOver(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "good.png"))

	samples := []Sample{{Image: "x.png"}, {Image: "y.png"}}
	l := NewLoader[*imaging.Tensor](1, NewResolver(dir), LoadImage)
	it := l.Epoch(samples)
	_, ok := it.Next()
	assert.False(t, ok)
	assert.Equal(t, 2, it.Skipped())

	samples = append(samples, Sample{Image: "good.png"})
	it = l.Epoch(samples)
	b, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, "good.png", b.Samples[0].Image)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleTable), 0o644))

	tbl, err := Load(path, DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, tbl.Samples, 3)

	_, err = Load(filepath.Join(t.TempDir(), "nope.csv"), DefaultOptions())
	assert.Error(t, err)
}
