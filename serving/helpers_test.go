package serving_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"oncoscope/db"
	"oncoscope/ml"
	"oncoscope/ml/mltest"
	"oncoscope/serving"
)

// servedIDs is every id except gru_svm, matching the default capability set.
var servedIDs = []ml.ModelID{ml.Linear, ml.Softmax, ml.MLP, ml.SVM, ml.KNNL1, ml.KNNL2}

type fixture struct {
	store    *ml.ArtifactStore
	registry *serving.Registry
	source   *mltest.Source
	recorder *memRecorder
	events   *memEvents
}

// newFixture persists fast fits of trained and loads them into a registry that
// may serve every id in servedIDs.
func newFixture(t *testing.T, trained ...ml.ModelID) *fixture {
	t.Helper()
	store, err := ml.NewArtifactStore(t.TempDir())
	require.NoError(t, err)
	source := &mltest.Source{Data: mltest.SyntheticDataset(240, 7)}

	train, test, err := ml.StratifiedSplit(source.Data, 0.2, ml.DefaultSeed)
	require.NoError(t, err)
	for _, id := range trained {
		hp, err := ml.ResolveHyperparameters(id, mltest.FastOverrides(id))
		require.NoError(t, err)
		res, err := ml.Train(context.Background(), id, hp, train, test)
		require.NoError(t, err)
		_, err = store.Save(context.Background(), res)
		require.NoError(t, err)
	}

	registry := serving.NewRegistry(store, serving.RegistryOptions{Enabled: servedIDs})
	require.NoError(t, registry.Init(context.Background()))
	return &fixture{
		store:    store,
		registry: registry,
		source:   source,
		recorder: &memRecorder{},
		events:   &memEvents{},
	}
}

func (f *fixture) retrainer() *serving.Retrainer {
	return serving.NewRetrainer(f.registry, f.store, f.source, serving.RetrainerOptions{
		Seed:     ml.DefaultSeed,
		Parallel: 2,
		Recorder: f.recorder,
		Events:   f.events,
	})
}

func (f *fixture) predictor(t *testing.T) *serving.Predictor {
	t.Helper()
	p, err := serving.NewPredictor(f.registry, 128)
	require.NoError(t, err)
	return p
}

type memRecorder struct {
	mu   sync.Mutex
	logs []db.TrainingLog
}

func (m *memRecorder) RecordTraining(_ context.Context, l db.TrainingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, l)
	return nil
}

func (m *memRecorder) Logs() []db.TrainingLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.TrainingLog(nil), m.logs...)
}

type memEvents struct {
	mu    sync.Mutex
	types []string
}

func (m *memEvents) Publish(eventType string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = append(m.types, eventType)
}

func (m *memEvents) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.types...)
}

// brokenEstimator stands in for a model whose weights went bad.
type brokenEstimator struct {
	panics bool
}

func (brokenEstimator) Fit(context.Context, [][]float64, []int) error { return nil }

func (b brokenEstimator) PredictProba([]float64) ([2]float64, error) {
	if b.panics {
		panic("corrupt weights")
	}
	return [2]float64{}, errors.New("corrupt weights")
}

// breakModel replaces id with a broken estimator that keeps the real scaler.
func breakModel(t *testing.T, r *serving.Registry, id ml.ModelID, panics bool) {
	t.Helper()
	cur, err := r.Get(id)
	require.NoError(t, err)
	entry := *cur
	entry.Estimator = brokenEstimator{panics: panics}
	_, err = r.Replace(id, entry)
	require.NoError(t, err)
}
