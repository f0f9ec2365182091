package ml

import (
	"context"
	"math"
)

const mlpTol = 1e-4

// MLPClassifier is a feed-forward network with ReLU hidden layers and a single
// logistic output unit, trained with Adam on binary cross-entropy.
type MLPClassifier struct {
	// Sizes holds the width of every layer, input and output included.
	Sizes   []int       `json:"sizes"`
	Weights [][]float64 `json:"weights"`
	Biases  [][]float64 `json:"biases"`
	Epochs  int         `json:"epochs"`

	hidden        []int
	lr            float64
	alpha         float64
	maxIter       int
	batchSize     int
	earlyStopping bool
	valFraction   float64
	noChange      int
	seed          int
}

func NewMLPClassifier(hp Hyperparameters) *MLPClassifier {
	return &MLPClassifier{
		hidden:        hp.IntList("hidden_layer_sizes"),
		lr:            hp.Float("learning_rate_init"),
		alpha:         hp.Float("alpha"),
		maxIter:       hp.Int("max_iter"),
		batchSize:     hp.Int("batch_size"),
		earlyStopping: hp.Bool("early_stopping"),
		valFraction:   hp.Float("validation_fraction"),
		noChange:      hp.Int("n_iter_no_change"),
		seed:          hp.Int("random_state"),
	}
}

// params lists weights and biases in the order used for optimizer state.
func (m *MLPClassifier) params() [][]float64 {
	out := make([][]float64, 0, 2*len(m.Weights))
	out = append(out, m.Weights...)
	return append(out, m.Biases...)
}

// forward returns the activations of every layer; the last holds the output probability.
func (m *MLPClassifier) forward(x []float64) [][]float64 {
	acts := make([][]float64, len(m.Sizes))
	acts[0] = x
	last := len(m.Sizes) - 2
	for l := 0; l <= last; l++ {
		in, out := m.Sizes[l], m.Sizes[l+1]
		a := make([]float64, out)
		for o := 0; o < out; o++ {
			z := m.Biases[l][o] + dot(m.Weights[l][o*in:(o+1)*in], acts[l])
			if l == last {
				a[o] = sigmoid(z)
			} else {
				a[o] = math.Max(0, z)
			}
		}
		acts[l+1] = a
	}
	return acts
}

// backward adds the cross-entropy gradient of one sample to grads.
func (m *MLPClassifier) backward(acts [][]float64, label int, grads [][]float64) {
	nw := len(m.Weights)
	delta := []float64{acts[len(acts)-1][0] - float64(label)}
	for l := nw - 1; l >= 0; l-- {
		in := m.Sizes[l]
		gw, gb := grads[l], grads[nw+l]
		for o, d := range delta {
			if d == 0 {
				continue
			}
			gb[o] += d
			row := gw[o*in : (o+1)*in]
			for i, a := range acts[l] {
				row[i] += d * a
			}
		}
		if l == 0 {
			break
		}
		prev := make([]float64, in)
		for i := range prev {
			if acts[l][i] <= 0 {
				continue
			}
			var sum float64
			for o, d := range delta {
				sum += m.Weights[l][o*in+i] * d
			}
			prev[i] = sum
		}
		delta = prev
	}
}

func (m *MLPClassifier) loss(features [][]float64, labels []int, idx []int) float64 {
	var sum float64
	for _, i := range idx {
		acts := m.forward(features[i])
		sum += logLoss(acts[len(acts)-1][0], labels[i])
	}
	sum /= float64(len(idx))
	var sq float64
	for _, w := range m.Weights {
		for _, v := range w {
			sq += v * v
		}
	}
	return sum + 0.5*m.alpha*sq/float64(len(idx))
}

func (m *MLPClassifier) Fit(ctx context.Context, features [][]float64, labels []int) error {
	if err := checkTrainingSet(features, labels); err != nil {
		return err
	}
	rng := newRand(m.seed)
	m.Sizes = append(append([]int{len(features[0])}, m.hidden...), 1)
	m.Weights = make([][]float64, len(m.Sizes)-1)
	m.Biases = make([][]float64, len(m.Sizes)-1)
	for l := range m.Weights {
		in, out := m.Sizes[l], m.Sizes[l+1]
		m.Weights[l] = glorot(rng, in, out, in*out)
		m.Biases[l] = glorot(rng, in, out, out)
	}

	trainIdx := make([]int, len(features))
	for i := range trainIdx {
		trainIdx[i] = i
	}
	var valIdx []int
	if m.earlyStopping {
		trainIdx, valIdx = stratifiedHoldout(labels, m.valFraction, rng)
	}
	monitor := trainIdx
	if len(valIdx) > 0 {
		monitor = valIdx
	}

	params := m.params()
	grads := zerosLike(params)
	opt := newAdam(m.lr, params)
	batch := min(m.batchSize, len(trainIdx))

	best := math.Inf(1)
	bestParams := cloneParams(params)
	stall := 0
	epoch := 0
	for epoch < m.maxIter {
		if err := ctx.Err(); err != nil {
			return err
		}
		epoch++
		permutation(rng, trainIdx)
		for start := 0; start < len(trainIdx); start += batch {
			end := min(start+batch, len(trainIdx))
			resetParams(grads)
			for _, i := range trainIdx[start:end] {
				m.backward(m.forward(features[i]), labels[i], grads)
			}
			n := float64(end - start)
			for l, w := range m.Weights {
				gw := grads[l]
				for k := range gw {
					gw[k] = (gw[k] + m.alpha*w[k]) / n
				}
				gb := grads[len(m.Weights)+l]
				for k := range gb {
					gb[k] /= n
				}
			}
			opt.step(params, grads)
		}

		loss := m.loss(features, labels, monitor)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return errDiverged
		}
		if loss < best-mlpTol {
			best = loss
			copyParams(bestParams, params)
			stall = 0
		} else {
			stall++
		}
		if stall >= m.noChange {
			break
		}
	}
	if m.earlyStopping {
		copyParams(params, bestParams)
	}
	m.Epochs = epoch
	return nil
}

func (m *MLPClassifier) PredictProba(row []float64) ([2]float64, error) {
	if len(m.Weights) == 0 || len(m.Sizes) < 2 {
		return [2]float64{}, ErrNotFitted
	}
	if err := checkRow(row, m.Sizes[0]); err != nil {
		return [2]float64{}, err
	}
	acts := m.forward(row)
	p := acts[len(acts)-1][0]
	return [2]float64{1 - p, p}, nil
}
