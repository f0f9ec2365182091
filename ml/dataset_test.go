package ml_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncoscope/ml"
	"oncoscope/ml/mltest"
)

func TestReadCSV(t *testing.T) {
	src := mltest.SyntheticDataset(40, 1)
	d, err := ml.ReadCSV(strings.NewReader(mltest.CSV(src)), nil)
	require.NoError(t, err)

	require.Equal(t, 40, d.Len())
	assert.Equal(t, src.Y, d.Y)
	assert.Equal(t, src.IDs, d.IDs)
	for i := range src.X {
		assert.InDeltaSlice(t, src.X[i], d.X[i], 1e-9)
	}
}

func TestReadCSVWithBOMAndReorderedColumns(t *testing.T) {
	src := mltest.SyntheticDataset(10, 2)
	csv := mltest.CSV(src)
	lines := strings.Split(strings.TrimSpace(csv), "\n")
	// move the id column to the end and add an unused column
	for i, line := range lines {
		fields := strings.Split(line, ",")
		lines[i] = strings.Join(append(fields[1:], fields[0], "x"), ",")
	}
	data := "\ufeff" + strings.Join(lines, "\n") + "\n"

	d, err := ml.ReadCSV(strings.NewReader(data), nil)
	require.NoError(t, err)
	require.Equal(t, 10, d.Len())
	assert.Equal(t, src.IDs, d.IDs)
	assert.InDeltaSlice(t, src.X[3], d.X[3], 1e-9)
}

func TestReadCSVReportsRejectedRows(t *testing.T) {
	src := mltest.SyntheticDataset(12, 3)
	lines := strings.Split(strings.TrimSpace(mltest.CSV(src)), "\n")
	lines[2] = strings.Replace(lines[2], ",B,", ",Q,", 1)
	lines[2] = strings.Replace(lines[2], ",M,", ",Q,", 1)
	fields := strings.Split(lines[4], ",")
	fields[5] = "n/a"
	lines[4] = strings.Join(fields, ",")
	lines = append(lines, lines[6])

	d, err := ml.ReadCSV(strings.NewReader(strings.Join(lines, "\n")), nil)
	require.NoError(t, err)
	assert.Equal(t, 10, d.Len())

	var types []string
	for _, issue := range d.Issues {
		if issue.Severity == "high" {
			types = append(types, issue.Type)
		}
	}
	assert.ElementsMatch(t, []string{"diagnosis", "finite_value", "duplicate_id"}, types)
}

func TestReadCSVRejectsBadHeader(t *testing.T) {
	_, err := ml.ReadCSV(strings.NewReader(""), nil)
	assert.Error(t, err)

	_, err = ml.ReadCSV(strings.NewReader("id,radius_mean\n1,2\n"), nil)
	assert.ErrorContains(t, err, "diagnosis")

	_, err = ml.ReadCSV(strings.NewReader("id,diagnosis,radius_mean\n1,M,2\n"), nil)
	assert.ErrorContains(t, err, "texture_mean")
}

func TestCSVSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(mltest.CSV(mltest.SyntheticDataset(20, 4))), 0o644))

	d, err := ml.CSVSource{Path: path}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, d.Len())

	_, err = ml.CSVSource{Path: filepath.Join(t.TempDir(), "missing.csv")}.Load(context.Background())
	assert.Error(t, err)
}

func TestStratifiedSplit(t *testing.T) {
	d := mltest.SyntheticDataset(200, 5)
	train, test, err := ml.StratifiedSplit(d, 0.2, ml.DefaultSeed)
	require.NoError(t, err)

	assert.Equal(t, 200, train.Len()+test.Len())
	assert.Equal(t, 40, test.Len())

	all, tc := d.ClassCounts(), test.ClassCounts()
	assert.InDelta(t, float64(all[1])/200, float64(tc[1])/float64(test.Len()), 0.02)

	seen := map[string]bool{}
	for _, id := range append(append([]string{}, train.IDs...), test.IDs...) {
		assert.False(t, seen[id], "row %s in both partitions", id)
		seen[id] = true
	}

	again, _, err := ml.StratifiedSplit(d, 0.2, ml.DefaultSeed)
	require.NoError(t, err)
	assert.Equal(t, train.IDs, again.IDs)

	other, _, err := ml.StratifiedSplit(d, 0.2, 7)
	require.NoError(t, err)
	assert.NotEqual(t, train.IDs, other.IDs)
}

func TestStratifiedSplitErrors(t *testing.T) {
	_, _, err := ml.StratifiedSplit(&ml.Dataset{}, 0.2, 1)
	assert.Error(t, err)

	_, _, err = ml.StratifiedSplit(mltest.SyntheticDataset(10, 1), 1.5, 1)
	assert.Error(t, err)

	single := &ml.Dataset{X: [][]float64{{1}, {2}, {3}}, Y: []int{0, 0, 1}}
	_, _, err = ml.StratifiedSplit(single, 0.2, 1)
	assert.Error(t, err)
}
