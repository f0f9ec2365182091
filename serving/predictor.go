package serving

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"oncoscope/ml"
)

// ModelSource resolves ids to published entries; *Registry implements it.
type ModelSource interface {
	Get(id ml.ModelID) (*ModelEntry, error)
	List() []ml.ModelID
}

// PredictionResult is the answer of one model for one feature vector.
type PredictionResult struct {
	ModelType            ml.ModelID  `json:"model_type"`
	Prediction           int         `json:"prediction"`
	PredictionLabel      string      `json:"prediction_label"`
	ProbabilityMalignant float64     `json:"probability_malignant"`
	ProbabilityBenign    float64     `json:"probability_benign"`
	Confidence           float64     `json:"confidence"`
	ConfidenceLevel      string      `json:"confidence_level"`
	ModelMetrics         *ml.Metrics `json:"model_metrics,omitempty"`
}

// ConfidenceLevel buckets the malignant probability the way the clinic UI shows it.
// It is a display aid, not a calibrated reliability measure.
func ConfidenceLevel(pMalignant float64) string {
	switch {
	case pMalignant < 0.3 || pMalignant > 0.7:
		return "high"
	case pMalignant < 0.4 || pMalignant > 0.6:
		return "medium"
	default:
		return "low"
	}
}

type cacheKey struct {
	id         ml.ModelID
	generation uint64
	features   ml.FeatureVector
}

type PredictorStats struct {
	Predictions int64 `json:"predictions"`
	CacheHits   int64 `json:"cache_hits"`
	CacheSize   int   `json:"cache_size"`
}

// Predictor runs single-model inference. Results are cached per entry generation,
// so a published retrain never serves a stale answer.
type Predictor struct {
	models      ModelSource
	cache       *lru.Cache[cacheKey, PredictionResult]
	predictions atomic.Int64
	cacheHits   atomic.Int64
}

// NewPredictor creates a predictor; cacheSize <= 0 disables caching.
func NewPredictor(models ModelSource, cacheSize int) (*Predictor, error) {
	p := &Predictor{models: models}
	if cacheSize > 0 {
		cache, err := lru.New[cacheKey, PredictionResult](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create prediction cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

func (p *Predictor) Predict(ctx context.Context, id ml.ModelID, fv ml.FeatureVector) (PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return PredictionResult{}, err
	}
	if err := fv.Validate(); err != nil {
		return PredictionResult{}, newError(KindInvalidFeatureVector, id, err)
	}
	entry, err := p.models.Get(id)
	if err != nil {
		return PredictionResult{}, err
	}
	return p.predictEntry(entry, fv)
}

func (p *Predictor) predictEntry(entry *ModelEntry, fv ml.FeatureVector) (PredictionResult, error) {
	p.predictions.Add(1)
	key := cacheKey{id: entry.ID, generation: entry.Generation, features: fv}
	if p.cache != nil {
		if res, ok := p.cache.Get(key); ok {
			p.cacheHits.Add(1)
			return res.detached(), nil
		}
	}

	row, err := entry.Scaler.Transform(fv.Slice())
	if err != nil {
		return PredictionResult{}, newError(KindInvalidFeatureVector, entry.ID, err)
	}
	proba, err := entry.Estimator.PredictProba(row)
	if err != nil {
		return PredictionResult{}, newError(KindInternal, entry.ID, fmt.Errorf("predict: %w", err))
	}
	proba, err = normalize(proba)
	if err != nil {
		return PredictionResult{}, newError(KindInternal, entry.ID, err)
	}

	label := ml.LabelOf(proba)
	metrics := entry.Metrics
	res := PredictionResult{
		ModelType:            entry.ID,
		Prediction:           label,
		PredictionLabel:      ml.LabelName(label),
		ProbabilityMalignant: proba[1],
		ProbabilityBenign:    proba[0],
		Confidence:           math.Max(proba[0], proba[1]),
		ConfidenceLevel:      ConfidenceLevel(proba[1]),
		ModelMetrics:         &metrics,
	}
	if p.cache != nil {
		p.cache.Add(key, res.detached())
	}
	return res, nil
}

// detached gives res its own copy of the metrics snapshot so callers cannot
// reach the cached value.
func (res PredictionResult) detached() PredictionResult {
	if res.ModelMetrics != nil {
		m := *res.ModelMetrics
		res.ModelMetrics = &m
	}
	return res
}

// normalize makes the pair sum to exactly one so label and probabilities agree.
func normalize(proba [2]float64) ([2]float64, error) {
	b, m := math.Max(proba[0], 0), math.Max(proba[1], 0)
	sum := b + m
	if math.IsNaN(sum) || math.IsInf(sum, 0) || sum == 0 {
		return proba, fmt.Errorf("estimator returned invalid probabilities %v", proba)
	}
	m /= sum
	return [2]float64{1 - m, m}, nil
}

// PredictBatch predicts every vector with one model. The model is resolved once
// and every vector is validated before any prediction runs.
func (p *Predictor) PredictBatch(ctx context.Context, id ml.ModelID, fvs []ml.FeatureVector) ([]PredictionResult, error) {
	entry, err := p.models.Get(id)
	if err != nil {
		return nil, err
	}
	for i, fv := range fvs {
		if err := fv.Validate(); err != nil {
			return nil, newError(KindInvalidFeatureVector, id, fmt.Errorf("item %d: %w", i, err))
		}
	}
	out := make([]PredictionResult, len(fvs))
	for i, fv := range fvs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := p.predictEntry(entry, fv)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out[i] = res
	}
	return out, nil
}

func (p *Predictor) Stats() PredictorStats {
	stats := PredictorStats{
		Predictions: p.predictions.Load(),
		CacheHits:   p.cacheHits.Load(),
	}
	if p.cache != nil {
		stats.CacheSize = p.cache.Len()
	}
	return stats
}
