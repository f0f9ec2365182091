package serving_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncoscope/ml"
	"oncoscope/ml/mltest"
	"oncoscope/serving"
)

func TestPredictFixtureExamples(t *testing.T) {
	f := newFixture(t, ml.MLP)
	p := f.predictor(t)

	t.Run("benign", func(t *testing.T) {
		res, err := p.Predict(context.Background(), ml.MLP, mltest.BenignExample())
		require.NoError(t, err)
		assert.Equal(t, 0, res.Prediction)
		assert.Equal(t, "Benign", res.PredictionLabel)
		assert.Greater(t, res.ProbabilityBenign, 0.5)
	})
	t.Run("malignant", func(t *testing.T) {
		res, err := p.Predict(context.Background(), ml.MLP, mltest.MalignantCentroid())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Prediction)
		assert.Equal(t, "Malignant", res.PredictionLabel)
		assert.Greater(t, res.ProbabilityMalignant, 0.5)
	})
}

func TestPredictUnknownModel(t *testing.T) {
	f := newFixture(t, ml.MLP)
	_, err := f.predictor(t).Predict(context.Background(), "nonexistent_model", mltest.BenignExample())
	assert.ErrorIs(t, err, serving.ErrUnknownModel)
	assert.Equal(t, serving.KindUnknownModel, serving.KindOf(err))
}

func TestPredictRejectsShortVector(t *testing.T) {
	f := newFixture(t, ml.MLP)

	fields := mltest.BenignExample().Map()
	delete(fields, ml.FeatureNames[29])
	_, err := ml.FeatureVectorFromMap(fields)
	require.ErrorIs(t, err, ml.ErrInvalidFeatureVector)

	_, err = ml.FeatureVectorFromSlice(mltest.BenignExample().Slice()[:29])
	require.ErrorIs(t, err, ml.ErrInvalidFeatureVector)

	var fv ml.FeatureVector
	fv[3] = math.NaN()
	_, err = f.predictor(t).Predict(context.Background(), ml.MLP, fv)
	assert.Equal(t, serving.KindInvalidFeatureVector, serving.KindOf(err))
}

func TestPredictInvariants(t *testing.T) {
	f := newFixture(t, servedIDs...)
	p := f.predictor(t)
	data := mltest.SyntheticDataset(40, 99)

	for _, id := range servedIDs {
		for _, row := range data.X {
			fv, err := ml.FeatureVectorFromSlice(row)
			require.NoError(t, err)
			res, err := p.Predict(context.Background(), id, fv)
			require.NoError(t, err)

			assert.InDelta(t, 1.0, res.ProbabilityBenign+res.ProbabilityMalignant, 1e-9)
			assert.GreaterOrEqual(t, res.ProbabilityMalignant, 0.0)
			assert.LessOrEqual(t, res.ProbabilityMalignant, 1.0)
			if res.ProbabilityMalignant > res.ProbabilityBenign {
				assert.Equal(t, 1, res.Prediction, id)
			} else {
				assert.Equal(t, 0, res.Prediction, id)
			}
			assert.GreaterOrEqual(t, res.Confidence, 0.5)
			require.NotNil(t, res.ModelMetrics)
		}
	}
}

func TestPredictCacheFollowsGeneration(t *testing.T) {
	f := newFixture(t, ml.KNNL1)
	p := f.predictor(t)
	fv := mltest.BenignExample()

	first, err := p.Predict(context.Background(), ml.KNNL1, fv)
	require.NoError(t, err)
	second, err := p.Predict(context.Background(), ml.KNNL1, fv)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), p.Stats().CacheHits)

	breakModel(t, f.registry, ml.KNNL1, false)
	_, err = p.Predict(context.Background(), ml.KNNL1, fv)
	assert.Error(t, err, "a new generation must not be answered from the cache")
	assert.Equal(t, int64(1), p.Stats().CacheHits)
	assert.Equal(t, int64(3), p.Stats().Predictions)
}

func TestPredictCacheHandsOutCopies(t *testing.T) {
	f := newFixture(t, ml.KNNL1)
	p := f.predictor(t)
	fv := mltest.BenignExample()
	entry, err := f.registry.Get(ml.KNNL1)
	require.NoError(t, err)
	want := entry.Metrics.Accuracy

	first, err := p.Predict(context.Background(), ml.KNNL1, fv)
	require.NoError(t, err)
	require.NotNil(t, first.ModelMetrics)
	first.ModelMetrics.Accuracy = -1

	second, err := p.Predict(context.Background(), ml.KNNL1, fv)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Stats().CacheHits)
	assert.Equal(t, want, second.ModelMetrics.Accuracy)
	second.ModelMetrics.Accuracy = -2

	third, err := p.Predict(context.Background(), ml.KNNL1, fv)
	require.NoError(t, err)
	assert.Equal(t, want, third.ModelMetrics.Accuracy)
	assert.Equal(t, want, entry.Metrics.Accuracy)
}

func TestPredictWithoutCache(t *testing.T) {
	f := newFixture(t, ml.KNNL1)
	p, err := serving.NewPredictor(f.registry, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := p.Predict(context.Background(), ml.KNNL1, mltest.BenignExample())
		require.NoError(t, err)
	}
	assert.Equal(t, serving.PredictorStats{Predictions: 3}, p.Stats())
}

func TestPredictBatch(t *testing.T) {
	f := newFixture(t, ml.SVM)
	p := f.predictor(t)

	out, err := p.PredictBatch(context.Background(), ml.SVM,
		[]ml.FeatureVector{mltest.BenignExample(), mltest.MalignantCentroid()})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 0, out[0].Prediction)
	assert.Equal(t, 1, out[1].Prediction)

	var bad ml.FeatureVector
	bad[0] = math.Inf(1)
	_, err = p.PredictBatch(context.Background(), ml.SVM, []ml.FeatureVector{mltest.BenignExample(), bad})
	assert.Equal(t, serving.KindInvalidFeatureVector, serving.KindOf(err))
	assert.ErrorContains(t, err, "item 1")

	_, err = p.PredictBatch(context.Background(), ml.MLP, []ml.FeatureVector{mltest.BenignExample()})
	assert.ErrorIs(t, err, serving.ErrModelNotLoaded)
}

func TestConfidenceLevel(t *testing.T) {
	tests := []struct {
		p    float64
		want string
	}{
		{0.02, "high"},
		{0.29, "high"},
		{0.3, "medium"},
		{0.35, "medium"},
		{0.4, "low"},
		{0.5, "low"},
		{0.6, "low"},
		{0.65, "medium"},
		{0.7, "medium"},
		{0.71, "high"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, serving.ConfidenceLevel(tt.p), "p=%v", tt.p)
	}
}
