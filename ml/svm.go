package ml

import (
	"context"
	"fmt"
	"math"
)

const (
	kernelRBF    = "rbf"
	kernelLinear = "linear"

	smoTau        = 1e-12
	smoCheckEvery = 100
	plattMaxIter  = 100
	plattMinStep  = 1e-10
	plattSigma    = 1e-12
	plattEps      = 1e-5
)

// SVC is a soft-margin support vector classifier trained with SMO. Decision
// values are mapped to probabilities with Platt scaling.
type SVC struct {
	Kernel         string      `json:"kernel"`
	Gamma          float64     `json:"gamma"`
	SupportVectors [][]float64 `json:"support_vectors"`
	// Coef holds alpha_i * y_i for every support vector.
	Coef  []float64 `json:"coef"`
	Rho   float64   `json:"rho"`
	ProbA float64   `json:"prob_a"`
	ProbB float64   `json:"prob_b"`
	Iter  int       `json:"iterations"`

	c        float64
	gammaOpt any
	tol      float64
	maxIter  int
}

func NewSVC(hp Hyperparameters) *SVC {
	return &SVC{
		Kernel:   hp.Choice("kernel"),
		c:        hp.Float("C"),
		gammaOpt: hp["gamma"],
		tol:      hp.Float("tol"),
		maxIter:  hp.Int("max_iter"),
	}
}

// newHeadSVC builds the RBF classifier used on top of learned features.
func newHeadSVC(c float64) *SVC {
	return &SVC{Kernel: kernelRBF, c: c, gammaOpt: "scale", tol: 1e-3, maxIter: 100000}
}

func (m *SVC) resolveGamma(features [][]float64) (float64, error) {
	nFeat := float64(len(features[0]))
	switch g := m.gammaOpt.(type) {
	case float64:
		return g, nil
	case string:
		switch g {
		case "auto":
			return 1 / nFeat, nil
		case "scale", "":
			var sum, sq, n float64
			for _, row := range features {
				for _, v := range row {
					sum += v
					sq += v * v
					n++
				}
			}
			mean := sum / n
			variance := sq/n - mean*mean
			if variance <= 0 {
				return 1, nil
			}
			return 1 / (nFeat * variance), nil
		}
	}
	return 0, fmt.Errorf("%w: gamma %v", ErrInvalidHyperparameter, m.gammaOpt)
}

func (m *SVC) kernel(a, b []float64) float64 {
	if m.Kernel == kernelLinear {
		return dot(a, b)
	}
	var d float64
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return math.Exp(-m.Gamma * d)
}

func (m *SVC) Fit(ctx context.Context, features [][]float64, labels []int) error {
	if err := checkTrainingSet(features, labels); err != nil {
		return err
	}
	if m.Kernel == "" {
		m.Kernel = kernelRBF
	}
	gamma, err := m.resolveGamma(features)
	if err != nil {
		return err
	}
	m.Gamma = gamma

	n := len(features)
	y := make([]float64, n)
	for i, l := range labels {
		y[i] = -1
		if l == 1 {
			y[i] = 1
		}
	}
	k := make([][]float64, n)
	for i := range k {
		k[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := m.kernel(features[i], features[j])
			k[i][j], k[j][i] = v, v
		}
	}

	alpha := make([]float64, n)
	grad := make([]float64, n)
	for i := range grad {
		grad[i] = -1
	}
	c := m.c
	upper := func(t int) bool { return (y[t] > 0 && alpha[t] < c) || (y[t] < 0 && alpha[t] > 0) }
	lower := func(t int) bool { return (y[t] > 0 && alpha[t] > 0) || (y[t] < 0 && alpha[t] < c) }

	iter := 0
	for ; iter < m.maxIter; iter++ {
		if iter%smoCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		// second-order working set selection
		i, gmax := -1, math.Inf(-1)
		for t := 0; t < n; t++ {
			if upper(t) && -y[t]*grad[t] >= gmax {
				i, gmax = t, -y[t]*grad[t]
			}
		}
		if i < 0 {
			break
		}
		j, gmax2, objMin := -1, math.Inf(-1), math.Inf(1)
		for t := 0; t < n; t++ {
			if !lower(t) {
				continue
			}
			yg := y[t] * grad[t]
			if yg > gmax2 {
				gmax2 = yg
			}
			diff := gmax + yg
			if diff > 0 {
				quad := k[i][i] + k[t][t] - 2*k[i][t]
				if quad <= 0 {
					quad = smoTau
				}
				if obj := -(diff * diff) / quad; obj <= objMin {
					j, objMin = t, obj
				}
			}
		}
		if j < 0 || gmax+gmax2 < m.tol {
			break
		}

		oldI, oldJ := alpha[i], alpha[j]
		quad := k[i][i] + k[j][j] - 2*k[i][j]
		if quad <= 0 {
			quad = smoTau
		}
		if y[i] != y[j] {
			delta := (-grad[i] - grad[j]) / quad
			diff := alpha[i] - alpha[j]
			alpha[i] += delta
			alpha[j] += delta
			if diff > 0 {
				if alpha[j] < 0 {
					alpha[j], alpha[i] = 0, diff
				}
			} else if alpha[i] < 0 {
				alpha[i], alpha[j] = 0, -diff
			}
			if diff > 0 {
				if alpha[i] > c {
					alpha[i], alpha[j] = c, c-diff
				}
			} else if alpha[j] > c {
				alpha[j], alpha[i] = c, c+diff
			}
		} else {
			delta := (grad[i] - grad[j]) / quad
			sum := alpha[i] + alpha[j]
			alpha[i] -= delta
			alpha[j] += delta
			if sum > c {
				if alpha[i] > c {
					alpha[i], alpha[j] = c, sum-c
				}
			} else if alpha[j] < 0 {
				alpha[j], alpha[i] = 0, sum
			}
			if sum > c {
				if alpha[j] > c {
					alpha[j], alpha[i] = c, sum-c
				}
			} else if alpha[i] < 0 {
				alpha[i], alpha[j] = 0, sum
			}
		}

		dI, dJ := alpha[i]-oldI, alpha[j]-oldJ
		for t := 0; t < n; t++ {
			grad[t] += y[t]*y[i]*k[t][i]*dI + y[t]*y[j]*k[t][j]*dJ
		}
	}
	m.Iter = iter
	m.Rho = computeRho(alpha, grad, y, c)

	m.SupportVectors, m.Coef = nil, nil
	for t := 0; t < n; t++ {
		if alpha[t] > 0 {
			m.SupportVectors = append(m.SupportVectors, append([]float64(nil), features[t]...))
			m.Coef = append(m.Coef, alpha[t]*y[t])
		}
	}
	if len(m.SupportVectors) == 0 {
		return fmt.Errorf("svm found no support vectors")
	}

	dec := make([]float64, n)
	for t, row := range features {
		dec[t] = m.decision(row)
	}
	m.ProbA, m.ProbB = plattScale(dec, labels)
	return nil
}

func computeRho(alpha, grad, y []float64, c float64) float64 {
	ub, lb := math.Inf(1), math.Inf(-1)
	var sum float64
	free := 0
	for t := range alpha {
		yg := y[t] * grad[t]
		switch {
		case alpha[t] >= c:
			if y[t] < 0 {
				ub = math.Min(ub, yg)
			} else {
				lb = math.Max(lb, yg)
			}
		case alpha[t] <= 0:
			if y[t] > 0 {
				ub = math.Min(ub, yg)
			} else {
				lb = math.Max(lb, yg)
			}
		default:
			free++
			sum += yg
		}
	}
	if free > 0 {
		return sum / float64(free)
	}
	return (ub + lb) / 2
}

func (m *SVC) decision(row []float64) float64 {
	sum := -m.Rho
	for i, sv := range m.SupportVectors {
		sum += m.Coef[i] * m.kernel(sv, row)
	}
	return sum
}

// plattScale fits P(y=1|f) = 1/(1+exp(A*f+B)) with the Newton method of Lin, Lin and Weng.
func plattScale(dec []float64, labels []int) (float64, float64) {
	var prior1, prior0 float64
	for _, l := range labels {
		if l == 1 {
			prior1++
		} else {
			prior0++
		}
	}
	hi := (prior1 + 1) / (prior1 + 2)
	lo := 1 / (prior0 + 2)
	target := make([]float64, len(dec))
	for i, l := range labels {
		target[i] = lo
		if l == 1 {
			target[i] = hi
		}
	}

	objective := func(a, b float64) float64 {
		var f float64
		for i, d := range dec {
			fApB := d*a + b
			if fApB >= 0 {
				f += target[i]*fApB + math.Log1p(math.Exp(-fApB))
			} else {
				f += (target[i]-1)*fApB + math.Log1p(math.Exp(fApB))
			}
		}
		return f
	}

	a, b := 0.0, math.Log((prior0+1)/(prior1+1))
	fval := objective(a, b)
	for iter := 0; iter < plattMaxIter; iter++ {
		h11, h22, h21, g1, g2 := plattSigma, plattSigma, 0.0, 0.0, 0.0
		for i, d := range dec {
			fApB := d*a + b
			var p, q float64
			if fApB >= 0 {
				p = math.Exp(-fApB) / (1 + math.Exp(-fApB))
				q = 1 / (1 + math.Exp(-fApB))
			} else {
				p = 1 / (1 + math.Exp(fApB))
				q = math.Exp(fApB) / (1 + math.Exp(fApB))
			}
			d2 := p * q
			h11 += d * d * d2
			h22 += d2
			h21 += d * d2
			d1 := target[i] - p
			g1 += d * d1
			g2 += d1
		}
		if math.Abs(g1) < plattEps && math.Abs(g2) < plattEps {
			break
		}
		det := h11*h22 - h21*h21
		if math.Abs(det) < 1e-300 {
			break
		}
		dA := -(h22*g1 - h21*g2) / det
		dB := -(-h21*g1 + h11*g2) / det
		gd := g1*dA + g2*dB

		step := 1.0
		for step >= plattMinStep {
			newA, newB := a+step*dA, b+step*dB
			if newF := objective(newA, newB); newF < fval+0.0001*step*gd {
				a, b, fval = newA, newB, newF
				break
			}
			step /= 2
		}
		if step < plattMinStep {
			break
		}
	}
	return a, b
}

func (m *SVC) PredictProba(row []float64) ([2]float64, error) {
	if len(m.SupportVectors) == 0 {
		return [2]float64{}, ErrNotFitted
	}
	if err := checkRow(row, len(m.SupportVectors[0])); err != nil {
		return [2]float64{}, err
	}
	fApB := m.decision(row)*m.ProbA + m.ProbB
	var p float64
	if fApB >= 0 {
		p = math.Exp(-fApB) / (1 + math.Exp(-fApB))
	} else {
		p = 1 / (1 + math.Exp(fApB))
	}
	return [2]float64{1 - p, p}, nil
}
