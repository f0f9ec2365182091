package ml

import (
	"context"
	"errors"
	"math"
)

var errDiverged = errors.New("training diverged")

// sgd epochs without tol improvement before stopping
const sgdNoChange = 5

// LinearRegression regresses the {0,1} label with plain SGD on squared loss.
// The clipped regression output is reported as the malignant probability.
type LinearRegression struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
	Epochs  int       `json:"epochs"`

	eta0    float64
	maxIter int
	tol     float64
	alpha   float64
	seed    int
}

func NewLinearRegression(hp Hyperparameters) *LinearRegression {
	return &LinearRegression{
		eta0:    hp.Float("eta0"),
		maxIter: hp.Int("max_iter"),
		tol:     hp.Float("tol"),
		alpha:   hp.Float("alpha"),
		seed:    hp.Int("random_state"),
	}
}

func (m *LinearRegression) Fit(ctx context.Context, features [][]float64, labels []int) error {
	if err := checkTrainingSet(features, labels); err != nil {
		return err
	}
	width := len(features[0])
	w := make([]float64, width)
	var b float64

	rng := newRand(m.seed)
	order := make([]int, len(features))
	for i := range order {
		order[i] = i
	}

	best := math.Inf(1)
	noChange := 0
	epoch := 0
	for epoch < m.maxIter {
		if err := ctx.Err(); err != nil {
			return err
		}
		epoch++
		permutation(rng, order)
		var loss float64
		for _, i := range order {
			x := features[i]
			diff := dot(w, x) + b - float64(labels[i])
			loss += 0.5 * diff * diff
			for j := range w {
				w[j] -= m.eta0 * (diff*x[j] + m.alpha*w[j])
			}
			b -= m.eta0 * diff
		}
		loss /= float64(len(order))
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return errDiverged
		}
		if loss > best-m.tol {
			noChange++
		} else {
			noChange = 0
		}
		if loss < best {
			best = loss
		}
		if noChange >= sgdNoChange {
			break
		}
	}

	m.Weights, m.Bias, m.Epochs = w, b, epoch
	return nil
}

func (m *LinearRegression) PredictProba(row []float64) ([2]float64, error) {
	if len(m.Weights) == 0 {
		return [2]float64{}, ErrNotFitted
	}
	if err := checkRow(row, len(m.Weights)); err != nil {
		return [2]float64{}, err
	}
	p := clip(dot(m.Weights, row)+m.Bias, 0, 1)
	return [2]float64{1 - p, p}, nil
}
