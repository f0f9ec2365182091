package serving

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"oncoscope/ml"
)

// ModelPredictor is the single-model inference used by the aggregator.
type ModelPredictor interface {
	Predict(ctx context.Context, id ml.ModelID, fv ml.FeatureVector) (PredictionResult, error)
}

var _ ModelPredictor = (*Predictor)(nil)

// ModelOutcome is either a prediction or the error one model produced.
type ModelOutcome struct {
	ModelType ml.ModelID
	Result    *PredictionResult
	Err       string
}

func (o ModelOutcome) MarshalJSON() ([]byte, error) {
	if o.Result != nil {
		return json.Marshal(o.Result)
	}
	return json.Marshal(struct {
		ModelType ml.ModelID `json:"model_type"`
		Error     string     `json:"error"`
	}{o.ModelType, o.Err})
}

type Consensus struct {
	Prediction           int     `json:"prediction"`
	PredictionLabel      string  `json:"prediction_label"`
	ProbabilityMalignant float64 `json:"probability_malignant"`
	ProbabilityBenign    float64 `json:"probability_benign"`
	Confidence           float64 `json:"confidence"`
	ConfidenceLevel      string  `json:"confidence_level"`
	Agreement            float64 `json:"agreement"`
	AgreementPercent     float64 `json:"agreement_percent"`
	VotesMalignant       int     `json:"votes_malignant"`
	VotesBenign          int     `json:"votes_benign"`
	Successful           int     `json:"successful"`
	Failed               int     `json:"failed"`
}

type ConsensusResult struct {
	Predictions     map[ml.ModelID]ModelOutcome `json:"predictions"`
	Consensus       Consensus                   `json:"consensus"`
	AvailableModels []ml.ModelID                `json:"available_models"`
	Timestamp       time.Time                   `json:"timestamp"`
}

// Aggregator fans one feature vector out to every loaded model and combines the answers.
type Aggregator struct {
	models      ModelSource
	predictor   ModelPredictor
	maxParallel int
	logger      *zap.Logger
}

func NewAggregator(models ModelSource, predictor ModelPredictor, maxParallel int, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxParallel <= 0 {
		maxParallel = len(ml.ModelIDs())
	}
	return &Aggregator{models: models, predictor: predictor, maxParallel: maxParallel, logger: logger.Named("consensus")}
}

// PredictAll fails only for an invalid vector or when no model produced a prediction.
func (a *Aggregator) PredictAll(ctx context.Context, fv ml.FeatureVector) (ConsensusResult, error) {
	if err := fv.Validate(); err != nil {
		return ConsensusResult{}, newError(KindInvalidFeatureVector, "", err)
	}
	ids := a.models.List()
	outcomes := make([]ModelOutcome, len(ids))

	var g errgroup.Group
	g.SetLimit(a.maxParallel)
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = a.predictOne(ctx, id, fv)
			return nil
		})
	}
	_ = g.Wait()

	consensus, err := Aggregate(outcomes)
	if err != nil {
		return ConsensusResult{}, err
	}
	result := ConsensusResult{
		Predictions:     make(map[ml.ModelID]ModelOutcome, len(outcomes)),
		Consensus:       consensus,
		AvailableModels: ids,
		Timestamp:       time.Now().UTC(),
	}
	for _, o := range outcomes {
		result.Predictions[o.ModelType] = o
	}
	return result, nil
}

func (a *Aggregator) predictOne(ctx context.Context, id ml.ModelID, fv ml.FeatureVector) (outcome ModelOutcome) {
	outcome.ModelType = id
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("model panicked during prediction", zap.String("model", string(id)), zap.Any("panic", r))
			outcome = ModelOutcome{ModelType: id, Err: "internal error"}
		}
	}()
	res, err := a.predictor.Predict(ctx, id, fv)
	if err != nil {
		a.logger.Warn("model failed in consensus", zap.String("model", string(id)), zap.Error(err))
		outcome.Err = err.Error()
		return outcome
	}
	outcome.Result = &res
	return outcome
}

// Aggregate combines per-model outcomes by majority vote. A tied vote resolves to
// malignant. Probabilities are averaged over successful models only.
func Aggregate(outcomes []ModelOutcome) (Consensus, error) {
	var c Consensus
	var sumMalignant, sumBenign float64
	for _, o := range outcomes {
		if o.Result == nil {
			c.Failed++
			continue
		}
		c.Successful++
		sumMalignant += o.Result.ProbabilityMalignant
		sumBenign += o.Result.ProbabilityBenign
		if o.Result.Prediction == 1 {
			c.VotesMalignant++
		} else {
			c.VotesBenign++
		}
	}
	switch {
	case len(outcomes) == 0:
		return Consensus{}, newError(KindNoModelsAvailable, "", fmt.Errorf("%w: no models loaded", ErrNoModelsAvailable))
	case c.Successful == 0:
		return Consensus{}, newError(KindNoModelsAvailable, "",
			fmt.Errorf("%w: %d of %d models failed", ErrNoModelsAvailable, c.Failed, len(outcomes)))
	}

	majority := c.VotesBenign
	if c.VotesMalignant >= c.VotesBenign {
		c.Prediction = 1
		majority = c.VotesMalignant
	}
	n := float64(c.Successful)
	c.PredictionLabel = ml.LabelName(c.Prediction)
	c.ProbabilityMalignant = sumMalignant / n
	c.ProbabilityBenign = sumBenign / n
	c.Confidence = math.Max(c.ProbabilityMalignant, c.ProbabilityBenign)
	c.ConfidenceLevel = ConfidenceLevel(c.ProbabilityMalignant)
	c.Agreement = float64(majority) / n
	c.AgreementPercent = math.Round(c.Agreement*1000) / 10
	return c, nil
}
