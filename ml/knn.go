package ml

import (
	"context"
	"math"
	"sort"
)

// KNN votes among the nearest training rows under the Minkowski distance of order P.
type KNN struct {
	P         int         `json:"p"`
	K         int         `json:"n_neighbors"`
	Weighting string      `json:"weights"`
	Points    [][]float64 `json:"points"`
	Labels    []int       `json:"labels"`
}

func NewKNN(p int, hp Hyperparameters) *KNN {
	return &KNN{P: p, K: hp.Int("n_neighbors"), Weighting: hp.Choice("weights")}
}

func (m *KNN) Fit(ctx context.Context, features [][]float64, labels []int) error {
	if err := checkTrainingSet(features, labels); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Points = make([][]float64, len(features))
	for i, row := range features {
		m.Points[i] = append([]float64(nil), row...)
	}
	m.Labels = append([]int(nil), labels...)
	return nil
}

func (m *KNN) distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := math.Abs(a[i] - b[i])
		if m.P == 1 {
			sum += d
		} else {
			sum += d * d
		}
	}
	if m.P == 1 {
		return sum
	}
	return math.Sqrt(sum)
}

type neighbor struct {
	dist  float64
	label int
}

func (m *KNN) PredictProba(row []float64) ([2]float64, error) {
	if len(m.Points) == 0 {
		return [2]float64{}, ErrNotFitted
	}
	if err := checkRow(row, len(m.Points[0])); err != nil {
		return [2]float64{}, err
	}
	neighbors := make([]neighbor, len(m.Points))
	for i, p := range m.Points {
		neighbors[i] = neighbor{dist: m.distance(p, row), label: m.Labels[i]}
	}
	sort.SliceStable(neighbors, func(i, j int) bool { return neighbors[i].dist < neighbors[j].dist })
	k := max(1, min(m.K, len(neighbors)))
	nearest := neighbors[:k]

	var votes [2]float64
	switch {
	case m.Weighting != "distance":
		for _, n := range nearest {
			votes[n.label]++
		}
	case nearest[0].dist == 0:
		// exact matches take all the weight
		for _, n := range nearest {
			if n.dist == 0 {
				votes[n.label]++
			}
		}
	default:
		for _, n := range nearest {
			votes[n.label] += 1 / n.dist
		}
	}
	total := votes[0] + votes[1]
	return [2]float64{votes[0] / total, votes[1] / total}, nil
}
