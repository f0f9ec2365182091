package ml

import (
	"context"
	"math"
)

// SoftmaxRegression is two-class multinomial logistic regression trained with SGD.
type SoftmaxRegression struct {
	Weights [2][]float64 `json:"weights"`
	Bias    [2]float64   `json:"bias"`
	Epochs  int          `json:"epochs"`

	eta0    float64
	maxIter int
	tol     float64
	alpha   float64
	seed    int
}

func NewSoftmaxRegression(hp Hyperparameters) *SoftmaxRegression {
	return &SoftmaxRegression{
		eta0:    hp.Float("eta0"),
		maxIter: hp.Int("max_iter"),
		tol:     hp.Float("tol"),
		alpha:   hp.Float("alpha"),
		seed:    hp.Int("random_state"),
	}
}

func softmax2(z [2]float64) [2]float64 {
	top := math.Max(z[0], z[1])
	e0, e1 := math.Exp(z[0]-top), math.Exp(z[1]-top)
	sum := e0 + e1
	return [2]float64{e0 / sum, e1 / sum}
}

func (m *SoftmaxRegression) Fit(ctx context.Context, features [][]float64, labels []int) error {
	if err := checkTrainingSet(features, labels); err != nil {
		return err
	}
	width := len(features[0])
	w := [2][]float64{make([]float64, width), make([]float64, width)}
	var b [2]float64

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
			p := softmax2([2]float64{dot(w[0], x) + b[0], dot(w[1], x) + b[1]})
			loss -= math.Log(math.Max(p[labels[i]], probEpsilon))
			for k := 0; k < 2; k++ {
				g := p[k]
				if k == labels[i] {
					g--
				}
				for j := range w[k] {
					w[k][j] -= m.eta0 * (g*x[j] + m.alpha*w[k][j])
				}
				b[k] -= m.eta0 * g
			}
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

func (m *SoftmaxRegression) PredictProba(row []float64) ([2]float64, error) {
	if len(m.Weights[0]) == 0 {
		return [2]float64{}, ErrNotFitted
	}
	if err := checkRow(row, len(m.Weights[0])); err != nil {
		return [2]float64{}, err
	}
	return softmax2([2]float64{dot(m.Weights[0], row) + m.Bias[0], dot(m.Weights[1], row) + m.Bias[1]}), nil
}
