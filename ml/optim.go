package ml

import (
	"math"
	"math/rand"
)

const probEpsilon = 1e-15

func newRand(seed int) *rand.Rand {
	return rand.New(rand.NewSource(int64(seed)))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func logLoss(p float64, label int) float64 {
	p = clip(p, probEpsilon, 1-probEpsilon)
	if label == 1 {
		return -math.Log(p)
	}
	return -math.Log(1 - p)
}

// glorot draws n weights uniformly from the Glorot/Xavier range for the given fan sizes.
func glorot(rng *rand.Rand, fanIn, fanOut, n int) []float64 {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	w := make([]float64, n)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
	return w
}

func permutation(rng *rand.Rand, idx []int) {
	rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
}

// stratifiedHoldout splits row indices into training and validation parts keeping
// the class ratio. Each class keeps at least one training row.
func stratifiedHoldout(labels []int, fraction float64, rng *rand.Rand) (train, val []int) {
	var byClass [2][]int
	for i, y := range labels {
		byClass[y] = append(byClass[y], i)
	}
	for _, idx := range byClass {
		permutation(rng, idx)
		nVal := int(math.Round(fraction * float64(len(idx))))
		if nVal >= len(idx) {
			nVal = len(idx) - 1
		}
		if nVal < 0 {
			nVal = 0
		}
		val = append(val, idx[:nVal]...)
		train = append(train, idx[nVal:]...)
	}
	permutation(rng, train)
	return train, val
}

// adam is the Adam optimizer over a list of parameter slices updated in place.
type adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64
	t     int
	m     [][]float64
	v     [][]float64
}

func newAdam(lr float64, params [][]float64) *adam {
	a := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
	a.m = zerosLike(params)
	a.v = zerosLike(params)
	return a
}

func (a *adam) step(params, grads [][]float64) {
	a.t++
	lrT := a.lr * math.Sqrt(1-math.Pow(a.beta2, float64(a.t))) / (1 - math.Pow(a.beta1, float64(a.t)))
	for k, p := range params {
		g, m, v := grads[k], a.m[k], a.v[k]
		for i := range p {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g[i]
			v[i] = a.beta2*v[i] + (1-a.beta2)*g[i]*g[i]
			p[i] -= lrT * m[i] / (math.Sqrt(v[i]) + a.eps)
		}
	}
}

func zerosLike(params [][]float64) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = make([]float64, len(p))
	}
	return out
}

func cloneParams(params [][]float64) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = append([]float64(nil), p...)
	}
	return out
}

func copyParams(dst, src [][]float64) {
	for i := range dst {
		copy(dst[i], src[i])
	}
}

func resetParams(params [][]float64) {
	for _, p := range params {
		for i := range p {
			p[i] = 0
		}
	}
}

func checkRow(row []float64, width int) error {
	if len(row) != width {
		return errInvalidWidth(len(row), width)
	}
	for _, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidFeatureVector
		}
	}
	return nil
}
