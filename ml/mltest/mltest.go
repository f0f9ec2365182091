// Package mltest provides deterministic WDBC-like data for tests.
package mltest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"

	"oncoscope/ml"
)

var benignMeans = [ml.FeatureCount]float64{
	12.15, 17.91, 78.08, 462.8, .0925, .0801, .0461, .0257, .174, .0629,
	.284, 1.22, 2.0, 21.1, .0072, .0214, .026, .0099, .0206, .0036,
	13.38, 23.5, 87.0, 558.9, .125, .183, .166, .0744, .270, .0794,
}

var malignantMeans = [ml.FeatureCount]float64{
	17.46, 21.6, 115.4, 978.4, .1029, .145, .161, .088, .193, .0627,
	.609, 1.21, 4.32, 72.7, .0068, .0323, .0418, .0151, .0205, .0041,
	21.13, 29.3, 141.4, 1422, .1448, .3748, .4506, .182, .323, .0915,
}

// sample 842302 of the WDBC dataset, diagnosed malignant
var malignantRow = [ml.FeatureCount]float64{
	17.99, 10.38, 122.8, 1001, 0.1184, 0.2776, 0.3001, 0.1471, 0.2419, 0.07871,
	1.095, 0.9053, 8.589, 153.4, 0.006399, 0.04904, 0.05373, 0.01587, 0.03003, 0.006193,
	25.38, 17.33, 184.6, 2019, 0.1622, 0.6656, 0.7119, 0.2654, 0.4601, 0.1189,
}

// BenignExample is the benign class centroid.
func BenignExample() ml.FeatureVector {
	return ml.FeatureVector(benignMeans)
}

// MalignantCentroid is the malignant class centroid.
func MalignantCentroid() ml.FeatureVector {
	return ml.FeatureVector(malignantMeans)
}

// MalignantExample is a real malignant WDBC sample; it lies outside the synthetic
// malignant cloud on several measurements.
func MalignantExample() ml.FeatureVector {
	return ml.FeatureVector(malignantRow)
}

// SyntheticDataset draws n rows, about 37% malignant as in WDBC, with 15% relative
// gaussian noise around each class mean. The same seed yields the same rows.
func SyntheticDataset(n int, seed int64) *ml.Dataset {
	rng := rand.New(rand.NewSource(seed))
	d := &ml.Dataset{}
	for i := 0; i < n; i++ {
		label := 0
		means := benignMeans
		if i%8 < 3 {
			label = 1
			means = malignantMeans
		}
		row := make([]float64, ml.FeatureCount)
		for j, m := range means {
			v := m * (1 + 0.15*rng.NormFloat64())
			if v < 0 {
				v = 0
			}
			row[j] = v
		}
		d.IDs = append(d.IDs, fmt.Sprintf("%d", 900000+i))
		d.X = append(d.X, row)
		d.Y = append(d.Y, label)
	}
	return d
}

// CSV renders d in the WDBC csv layout, header included.
func CSV(d *ml.Dataset) string {
	var b strings.Builder
	b.WriteString("id,diagnosis")
	for _, name := range ml.FeatureNames {
		b.WriteString(",")
		b.WriteString(strings.Replace(name, "concave_points", "concave points", 1))
	}
	b.WriteString("\n")
	for i, row := range d.X {
		diagnosis := "B"
		if d.Y[i] == 1 {
			diagnosis = "M"
		}
		fmt.Fprintf(&b, "%s,%s", d.IDs[i], diagnosis)
		for _, v := range row {
			fmt.Fprintf(&b, ",%g", v)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Source is an in-memory ml.DatasetSource.
type Source struct {
	Data  *ml.Dataset
	Err   error
	loads atomic.Int64
}

func (s *Source) Load(ctx context.Context) (*ml.Dataset, error) {
	s.loads.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Data == nil {
		return nil, errors.New("no dataset")
	}
	return s.Data, nil
}

// Loads reports how many times Load was called.
func (s *Source) Loads() int64 {
	return s.loads.Load()
}

// FastOverrides returns hyperparameter overrides that keep a fit on a small
// synthetic dataset well under a second.
func FastOverrides(id ml.ModelID) map[string]any {
	switch id {
	case ml.Linear:
		return map[string]any{"max_iter": 200}
	case ml.Softmax:
		return map[string]any{"max_iter": 200, "eta0": 0.01}
	case ml.MLP:
		return map[string]any{"hidden_layer_sizes": []int{16}, "max_iter": 60}
	case ml.KNNL2:
		return map[string]any{"n_neighbors": 5, "weights": "uniform"}
	case ml.GRUSVM:
		return map[string]any{"units": 4, "dense_units": 3, "epochs": 2, "batch_size": 32, "patience": 2}
	}
	return map[string]any{}
}
