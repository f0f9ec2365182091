package ml

import (
	"context"
	"fmt"
	"math"
)

// gruWeights holds a single-input GRU layer followed by a ReLU dense layer and
// a logistic output unit. Recurrent and dense matrices are row-major by output unit.
type gruWeights struct {
	Wz []float64 `json:"wz"`
	Wr []float64 `json:"wr"`
	Wn []float64 `json:"wn"`
	Uz []float64 `json:"uz"`
	Ur []float64 `json:"ur"`
	Un []float64 `json:"un"`
	Bz []float64 `json:"bz"`
	Br []float64 `json:"br"`
	Bn []float64 `json:"bn"`
	Wd []float64 `json:"wd"`
	Bd []float64 `json:"bd"`
	Wo []float64 `json:"wo"`
	Bo []float64 `json:"bo"`
}

func (g *gruWeights) list() [][]float64 {
	return [][]float64{g.Wz, g.Wr, g.Wn, g.Uz, g.Ur, g.Un, g.Bz, g.Br, g.Bn, g.Wd, g.Bd, g.Wo, g.Bo}
}

// positions in list() that carry the L2 penalty
var gruKernels = []int{0, 1, 2, 3, 4, 5, 9, 11}

type gruStep struct {
	hPrev []float64
	z     []float64
	r     []float64
	n     []float64
	rh    []float64
	h     []float64
}

// GRUSVMClassifier reads the 30 measurements as a sequence through a GRU, trains the
// network end to end with a logistic head, then fits an RBF SVC on the dense activations.
type GRUSVMClassifier struct {
	Units      int        `json:"units"`
	DenseUnits int        `json:"dense_units"`
	Steps      int        `json:"steps"`
	Net        gruWeights `json:"network"`
	Head       *SVC       `json:"svm"`
	Epochs     int        `json:"epochs"`

	lr        float64
	maxEpochs int
	batchSize int
	patience  int
	valSplit  float64
	l2        float64
	svmC      float64
	seed      int
}

func NewGRUSVM(hp Hyperparameters) *GRUSVMClassifier {
	return &GRUSVMClassifier{
		Units:      hp.Int("units"),
		DenseUnits: hp.Int("dense_units"),
		lr:         hp.Float("learning_rate"),
		maxEpochs:  hp.Int("epochs"),
		batchSize:  hp.Int("batch_size"),
		patience:   hp.Int("patience"),
		valSplit:   hp.Float("validation_split"),
		l2:         hp.Float("l2"),
		svmC:       hp.Float("svm_C"),
		seed:       hp.Int("random_state"),
	}
}

func (m *GRUSVMClassifier) init(steps int) {
	rng := newRand(m.seed)
	h, d := m.Units, m.DenseUnits
	m.Steps = steps
	m.Net = gruWeights{
		Wz: glorot(rng, 1, h, h),
		Wr: glorot(rng, 1, h, h),
		Wn: glorot(rng, 1, h, h),
		Uz: glorot(rng, h, h, h*h),
		Ur: glorot(rng, h, h, h*h),
		Un: glorot(rng, h, h, h*h),
		Bz: make([]float64, h),
		Br: make([]float64, h),
		Bn: make([]float64, h),
		Wd: glorot(rng, h, d, d*h),
		Bd: make([]float64, d),
		Wo: glorot(rng, d, 1, d),
		Bo: make([]float64, 1),
	}
}

func (m *GRUSVMClassifier) run(x []float64) []gruStep {
	h := m.Units
	g := &m.Net
	steps := make([]gruStep, len(x))
	prev := make([]float64, h)
	for t, xt := range x {
		s := gruStep{
			hPrev: prev,
			z:     make([]float64, h),
			r:     make([]float64, h),
			n:     make([]float64, h),
			rh:    make([]float64, h),
			h:     make([]float64, h),
		}
		for o := 0; o < h; o++ {
			s.z[o] = sigmoid(g.Wz[o]*xt + g.Bz[o] + dot(g.Uz[o*h:(o+1)*h], prev))
			s.r[o] = sigmoid(g.Wr[o]*xt + g.Br[o] + dot(g.Ur[o*h:(o+1)*h], prev))
		}
		for i := 0; i < h; i++ {
			s.rh[i] = s.r[i] * prev[i]
		}
		for o := 0; o < h; o++ {
			s.n[o] = math.Tanh(g.Wn[o]*xt + g.Bn[o] + dot(g.Un[o*h:(o+1)*h], s.rh))
			s.h[o] = (1-s.z[o])*s.n[o] + s.z[o]*prev[o]
		}
		steps[t] = s
		prev = s.h
	}
	return steps
}

func (m *GRUSVMClassifier) dense(last []float64) []float64 {
	h := m.Units
	out := make([]float64, m.DenseUnits)
	for j := range out {
		out[j] = math.Max(0, m.Net.Bd[j]+dot(m.Net.Wd[j*h:(j+1)*h], last))
	}
	return out
}

func (m *GRUSVMClassifier) output(d []float64) float64 {
	return sigmoid(dot(m.Net.Wo, d) + m.Net.Bo[0])
}

// embed maps one scaled row to the dense activations the SVM is trained on.
func (m *GRUSVMClassifier) embed(x []float64) []float64 {
	steps := m.run(x)
	return m.dense(steps[len(steps)-1].h)
}

func (m *GRUSVMClassifier) backward(x []float64, label int, grads [][]float64) {
	h := m.Units
	g := &m.Net
	gWz, gWr, gWn, gUz, gUr, gUn := grads[0], grads[1], grads[2], grads[3], grads[4], grads[5]
	gBz, gBr, gBn, gWd, gBd, gWo, gBo := grads[6], grads[7], grads[8], grads[9], grads[10], grads[11], grads[12]

	steps := m.run(x)
	last := steps[len(steps)-1].h
	d := m.dense(last)
	dOut := m.output(d) - float64(label)

	gBo[0] += dOut
	dh := make([]float64, h)
	for j, a := range d {
		gWo[j] += dOut * a
		if a <= 0 {
			continue
		}
		dd := dOut * g.Wo[j]
		gBd[j] += dd
		for i := 0; i < h; i++ {
			gWd[j*h+i] += dd * last[i]
			dh[i] += g.Wd[j*h+i] * dd
		}
	}

	dnPre := make([]float64, h)
	drPre := make([]float64, h)
	dzPre := make([]float64, h)
	for t := len(steps) - 1; t >= 0; t-- {
		s, xt := steps[t], x[t]
		dhPrev := make([]float64, h)
		for o := 0; o < h; o++ {
			dnPre[o] = dh[o] * (1 - s.z[o]) * (1 - s.n[o]*s.n[o])
			dzPre[o] = dh[o] * (s.hPrev[o] - s.n[o]) * s.z[o] * (1 - s.z[o])
			dhPrev[o] += dh[o] * s.z[o]
			gWn[o] += dnPre[o] * xt
			gBn[o] += dnPre[o]
			gWz[o] += dzPre[o] * xt
			gBz[o] += dzPre[o]
		}
		for i := 0; i < h; i++ {
			var drh float64
			for o := 0; o < h; o++ {
				gUn[o*h+i] += dnPre[o] * s.rh[i]
				drh += g.Un[o*h+i] * dnPre[o]
			}
			drPre[i] = drh * s.hPrev[i] * s.r[i] * (1 - s.r[i])
			dhPrev[i] += drh * s.r[i]
		}
		for o := 0; o < h; o++ {
			gWr[o] += drPre[o] * xt
			gBr[o] += drPre[o]
		}
		for i := 0; i < h; i++ {
			var back float64
			for o := 0; o < h; o++ {
				gUr[o*h+i] += drPre[o] * s.hPrev[i]
				gUz[o*h+i] += dzPre[o] * s.hPrev[i]
				back += g.Ur[o*h+i]*drPre[o] + g.Uz[o*h+i]*dzPre[o]
			}
			dhPrev[i] += back
		}
		dh = dhPrev
	}
}

func (m *GRUSVMClassifier) loss(features [][]float64, labels []int, idx []int) float64 {
	var sum float64
	for _, i := range idx {
		sum += logLoss(m.output(m.embed(features[i])), labels[i])
	}
	sum /= float64(len(idx))
	params := m.Net.list()
	for _, k := range gruKernels {
		for _, w := range params[k] {
			sum += m.l2 * w * w
		}
	}
	return sum
}

func (m *GRUSVMClassifier) Fit(ctx context.Context, features [][]float64, labels []int) error {
	if err := checkTrainingSet(features, labels); err != nil {
		return err
	}
	m.init(len(features[0]))
	rng := newRand(m.seed + 1)
	trainIdx, valIdx := stratifiedHoldout(labels, m.valSplit, rng)
	monitor := valIdx
	if len(monitor) == 0 {
		monitor = trainIdx
	}

	params := m.Net.list()
	grads := zerosLike(params)
	opt := newAdam(m.lr, params)
	batch := min(m.batchSize, len(trainIdx))

	best := math.Inf(1)
	bestParams := cloneParams(params)
	stall := 0
	epoch := 0
	for epoch < m.maxEpochs {
		epoch++
		permutation(rng, trainIdx)
		for start := 0; start < len(trainIdx); start += batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(start+batch, len(trainIdx))
			resetParams(grads)
			for _, i := range trainIdx[start:end] {
				m.backward(features[i], labels[i], grads)
			}
			n := float64(end - start)
			for k := range grads {
				for i := range grads[k] {
					grads[k][i] /= n
				}
			}
			for _, k := range gruKernels {
				for i, w := range params[k] {
					grads[k][i] += 2 * m.l2 * w
				}
			}
			opt.step(params, grads)
		}

		loss := m.loss(features, labels, monitor)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return errDiverged
		}
		if loss < best {
			best = loss
			copyParams(bestParams, params)
			stall = 0
		} else {
			stall++
		}
		if stall >= m.patience {
			break
		}
	}
	copyParams(params, bestParams)
	m.Epochs = epoch

	embedded := make([][]float64, len(features))
	for i, row := range features {
		embedded[i] = m.embed(row)
	}
	m.Head = newHeadSVC(m.svmC)
	if err := m.Head.Fit(ctx, embedded, labels); err != nil {
		return fmt.Errorf("fit svm on gru features: %w", err)
	}
	return nil
}

func (m *GRUSVMClassifier) PredictProba(row []float64) ([2]float64, error) {
	if m.Head == nil || m.Steps == 0 {
		return [2]float64{}, ErrNotFitted
	}
	if err := checkRow(row, m.Steps); err != nil {
		return [2]float64{}, err
	}
	return m.Head.PredictProba(m.embed(row))
}
