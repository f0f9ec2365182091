package ml_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncoscope/ml"
	"oncoscope/ml/mltest"
)

func splitSynthetic(t *testing.T, n int) (*ml.Dataset, *ml.Dataset) {
	t.Helper()
	train, test, err := ml.StratifiedSplit(mltest.SyntheticDataset(n, 7), 0.2, ml.DefaultSeed)
	require.NoError(t, err)
	return train, test
}

func fastHyperparameters(t *testing.T, id ml.ModelID) ml.Hyperparameters {
	t.Helper()
	hp, err := ml.ResolveHyperparameters(id, mltest.FastOverrides(id))
	require.NoError(t, err)
	return hp
}

func TestTrainEveryModel(t *testing.T) {
	train, test := splitSynthetic(t, 240)

	for _, id := range ml.ModelIDs() {
		t.Run(string(id), func(t *testing.T) {
			res, err := ml.Train(context.Background(), id, fastHyperparameters(t, id), train, test)
			require.NoError(t, err)
			assert.Equal(t, test.Len(), res.Metrics.Samples)

			if id != ml.GRUSVM {
				assert.GreaterOrEqual(t, res.Metrics.Accuracy, 0.85)
				assert.GreaterOrEqual(t, res.Metrics.ROCAUC, 0.85)
			}

			for _, row := range test.X {
				scaled, err := res.Scaler.Transform(row)
				require.NoError(t, err)
				proba, err := res.Estimator.PredictProba(scaled)
				require.NoError(t, err)
				assert.InDelta(t, 1.0, proba[0]+proba[1], 1e-6)
				assert.GreaterOrEqual(t, proba[1], 0.0)
				assert.LessOrEqual(t, proba[1], 1.0)
			}
		})
	}
}

func TestTrainedModelsSeparateFixtures(t *testing.T) {
	train, test := splitSynthetic(t, 240)

	for _, id := range []ml.ModelID{ml.Linear, ml.Softmax, ml.MLP, ml.SVM, ml.KNNL1, ml.KNNL2} {
		t.Run(string(id), func(t *testing.T) {
			res, err := ml.Train(context.Background(), id, fastHyperparameters(t, id), train, test)
			require.NoError(t, err)

			malignant := mltest.MalignantCentroid()
			scaled, err := res.Scaler.Transform(malignant.Slice())
			require.NoError(t, err)
			proba, err := res.Estimator.PredictProba(scaled)
			require.NoError(t, err)
			assert.Equal(t, 1, ml.LabelOf(proba), "malignant fixture %v", proba)

			benign := mltest.BenignExample()
			scaled, err = res.Scaler.Transform(benign.Slice())
			require.NoError(t, err)
			proba, err = res.Estimator.PredictProba(scaled)
			require.NoError(t, err)
			assert.Equal(t, 0, ml.LabelOf(proba), "benign fixture %v", proba)
		})
	}
}

func TestTrainIsReproducible(t *testing.T) {
	train, test := splitSynthetic(t, 160)

	for _, id := range ml.ModelIDs() {
		t.Run(string(id), func(t *testing.T) {
			hp := fastHyperparameters(t, id)
			a, err := ml.Train(context.Background(), id, hp, train, test)
			require.NoError(t, err)
			b, err := ml.Train(context.Background(), id, hp, train, test)
			require.NoError(t, err)
			assert.Equal(t, a.Metrics, b.Metrics)

			row, err := a.Scaler.Transform(test.X[0])
			require.NoError(t, err)
			pa, err := a.Estimator.PredictProba(row)
			require.NoError(t, err)
			pb, err := b.Estimator.PredictProba(row)
			require.NoError(t, err)
			assert.Equal(t, pa, pb)
		})
	}
}

func TestFitHonoursCancellation(t *testing.T) {
	train, test := splitSynthetic(t, 120)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, id := range ml.ModelIDs() {
		t.Run(string(id), func(t *testing.T) {
			_, err := ml.Train(ctx, id, fastHyperparameters(t, id), train, test)
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestFitRejectsSingleClass(t *testing.T) {
	features := [][]float64{{1, 2}, {2, 3}, {3, 4}}
	labels := []int{1, 1, 1}
	for _, id := range ml.ModelIDs() {
		est, err := ml.NewEstimator(id, ml.MustDefaults(id))
		require.NoError(t, err)
		assert.Error(t, est.Fit(context.Background(), features, labels), id)
	}
}

func TestPredictBeforeFit(t *testing.T) {
	for _, id := range ml.ModelIDs() {
		est, err := ml.NewEstimator(id, ml.MustDefaults(id))
		require.NoError(t, err)
		_, err = est.PredictProba(make([]float64, ml.FeatureCount))
		assert.ErrorIs(t, err, ml.ErrNotFitted, id)
	}
}

func TestKNNExactMatchWins(t *testing.T) {
	hp, err := ml.ResolveHyperparameters(ml.KNNL2, map[string]any{"n_neighbors": 3})
	require.NoError(t, err)
	knn := ml.NewKNN(2, hp)
	require.NoError(t, knn.Fit(context.Background(),
		[][]float64{{0, 0}, {0.1, 0}, {0.2, 0}, {5, 5}},
		[]int{1, 0, 0, 1}))

	proba, err := knn.PredictProba([]float64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, [2]float64{0, 1}, proba)

	proba, err = knn.PredictProba([]float64{0.15, 0})
	require.NoError(t, err)
	assert.Equal(t, 0, ml.LabelOf(proba))
}

func TestLinearProbabilityIsClipped(t *testing.T) {
	m := &ml.LinearRegression{Weights: []float64{2}, Bias: 0}
	proba, err := m.PredictProba([]float64{3})
	require.NoError(t, err)
	assert.Equal(t, [2]float64{0, 1}, proba)

	proba, err = m.PredictProba([]float64{-3})
	require.NoError(t, err)
	assert.Equal(t, [2]float64{1, 0}, proba)

	_, err = m.PredictProba([]float64{1, 2})
	assert.ErrorIs(t, err, ml.ErrInvalidFeatureVector)
}

func TestLabelOfTieIsBenign(t *testing.T) {
	assert.Equal(t, 0, ml.LabelOf([2]float64{0.5, 0.5}))
	assert.Equal(t, 1, ml.LabelOf([2]float64{0.4, 0.6}))
	assert.Equal(t, "Malignant", ml.LabelName(1))
	assert.Equal(t, "Benign", ml.LabelName(0))
}
