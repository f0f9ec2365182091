package serving_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncoscope/db"
	"oncoscope/ml"
	"oncoscope/ml/mltest"
	"oncoscope/serving"
)

func TestRetrainRejectsInvalidHyperparameter(t *testing.T) {
	f := newFixture(t, ml.SVM)
	before, err := f.registry.Get(ml.SVM)
	require.NoError(t, err)

	_, err = f.retrainer().Retrain(context.Background(), ml.SVM, map[string]any{"C": -5})
	assert.ErrorIs(t, err, serving.ErrInvalidHyperparameter)
	assert.Equal(t, serving.KindInvalidHyperparameter, serving.KindOf(err))

	after, err := f.registry.Get(ml.SVM)
	require.NoError(t, err)
	assert.Same(t, before, after)
	assert.Zero(t, f.source.Loads(), "validation must happen before any work")
	assert.Empty(t, f.events.Types())
}

func TestRetrainRejectsUnknownAndDisabled(t *testing.T) {
	f := newFixture(t)
	r := f.retrainer()

	_, err := r.Retrain(context.Background(), "forest", nil)
	assert.Equal(t, serving.KindUnknownModel, serving.KindOf(err))

	_, err = r.Retrain(context.Background(), ml.GRUSVM, nil)
	assert.Equal(t, serving.KindModelNotLoaded, serving.KindOf(err))
	assert.Zero(t, f.source.Loads())
}

func TestRetrainPublishesNewEntry(t *testing.T) {
	f := newFixture(t, ml.MLP)
	before, err := f.registry.Get(ml.MLP)
	require.NoError(t, err)

	out, err := f.retrainer().Retrain(context.Background(), ml.MLP, map[string]any{
		"hidden_layer_sizes": []any{16},
		"max_iter":           40,
	})
	require.NoError(t, err)

	after, err := f.registry.Get(ml.MLP)
	require.NoError(t, err)
	assert.Same(t, out.Entry, after)
	assert.Greater(t, after.Generation, before.Generation)
	assert.NotEqual(t, before.FitID, after.FitID)
	assert.Equal(t, []int{16}, after.Hyperparameters.IntList("hidden_layer_sizes"))
	assert.Equal(t, out.Metrics, after.Metrics)
	assert.Positive(t, out.DataPoints)

	onDisk, err := f.store.Load(context.Background(), ml.MLP)
	require.NoError(t, err)
	assert.Equal(t, after.FitID, onDisk.FitID)

	logs := f.recorder.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, db.StatusCompleted, logs[0].Status)
	assert.Equal(t, after.FitID, logs[0].FitID)
	assert.Equal(t, serving.TriggerAPI, logs[0].Trigger)
	assert.Equal(t, []string{serving.EventRetrainStarted, serving.EventRetrainCompleted}, f.events.Types())

	res, err := f.predictor(t).Predict(context.Background(), ml.MLP, mltest.BenignExample())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Prediction)
}

func TestRetrainLeavesOtherModels(t *testing.T) {
	f := newFixture(t, ml.KNNL1, ml.KNNL2, ml.Softmax)
	others := map[ml.ModelID]*serving.ModelEntry{}
	for _, id := range []ml.ModelID{ml.KNNL2, ml.Softmax} {
		e, err := f.registry.Get(id)
		require.NoError(t, err)
		others[id] = e
	}

	_, err := f.retrainer().Retrain(context.Background(), ml.KNNL1, map[string]any{"n_neighbors": 5})
	require.NoError(t, err)

	for id, before := range others {
		after, err := f.registry.Get(id)
		require.NoError(t, err)
		assert.Same(t, before, after, id)
	}
}

func TestRetrainIsReproducible(t *testing.T) {
	f := newFixture(t)
	registry := serving.NewRegistry(f.store, serving.RegistryOptions{Enabled: ml.ModelIDs()})
	require.NoError(t, registry.Init(context.Background()))
	r := serving.NewRetrainer(registry, f.store, f.source, serving.RetrainerOptions{Seed: ml.DefaultSeed})
	fv := mltest.MalignantExample()

	for _, id := range ml.ModelIDs() {
		t.Run(string(id), func(t *testing.T) {
			first, err := r.Retrain(context.Background(), id, mltest.FastOverrides(id))
			require.NoError(t, err)
			second, err := r.Retrain(context.Background(), id, mltest.FastOverrides(id))
			require.NoError(t, err)

			assert.Equal(t, first.Metrics, second.Metrics)
			assert.NotEqual(t, first.Entry.FitID, second.Entry.FitID)
			assert.Greater(t, second.Entry.Generation, first.Entry.Generation)

			probas := make([][2]float64, 2)
			for i, entry := range []*serving.ModelEntry{first.Entry, second.Entry} {
				row, err := entry.Scaler.Transform(fv.Slice())
				require.NoError(t, err)
				probas[i], err = entry.Estimator.PredictProba(row)
				require.NoError(t, err)
			}
			assert.Equal(t, probas[0], probas[1])
		})
	}
}

func TestRetrainFailureLeavesEntry(t *testing.T) {
	f := newFixture(t, ml.KNNL2)
	before, err := f.registry.Get(ml.KNNL2)
	require.NoError(t, err)
	f.source.Err = errors.New("disk on fire")

	_, err = f.retrainer().Retrain(context.Background(), ml.KNNL2, nil)
	assert.ErrorIs(t, err, serving.ErrRetrainFailed)
	assert.Equal(t, serving.KindRetrainFailed, serving.KindOf(err))
	assert.ErrorContains(t, err, "disk on fire")

	after, err := f.registry.Get(ml.KNNL2)
	require.NoError(t, err)
	assert.Same(t, before, after)

	logs := f.recorder.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, db.StatusFailed, logs[0].Status)
	assert.Equal(t, []string{serving.EventRetrainStarted, serving.EventRetrainFailed}, f.events.Types())
}

func TestRetrainCancelledIsAbandoned(t *testing.T) {
	f := newFixture(t, ml.MLP)
	before, err := f.registry.Get(ml.MLP)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.retrainer().Retrain(ctx, ml.MLP, nil)
	assert.ErrorIs(t, err, serving.ErrRetrainFailed)
	assert.ErrorIs(t, err, context.Canceled)

	after, err := f.registry.Get(ml.MLP)
	require.NoError(t, err)
	assert.Same(t, before, after)
	onDisk, err := f.store.Load(context.Background(), ml.MLP)
	require.NoError(t, err)
	assert.Equal(t, before.FitID, onDisk.FitID)
	require.Len(t, f.recorder.Logs(), 1, "failure is recorded even though the request was cancelled")
}

// gateSource blocks every Load until released and tracks how many run at once.
type gateSource struct {
	data     *ml.Dataset
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
	entered  chan struct{}
}

func (g *gateSource) Load(ctx context.Context) (*ml.Dataset, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return g.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runRetrains(t *testing.T, ids ...ml.ModelID) int32 {
	t.Helper()
	f := newFixture(t)
	gate := &gateSource{
		data:    mltest.SyntheticDataset(160, 3),
		release: make(chan struct{}),
		entered: make(chan struct{}, len(ids)),
	}
	r := serving.NewRetrainer(f.registry, f.store, gate, serving.RetrainerOptions{Seed: ml.DefaultSeed})

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Retrain(context.Background(), id, mltest.FastOverrides(id))
			assert.NoError(t, err)
		}()
	}
	<-gate.entered
	// give a second retrain the chance to enter Load if it is allowed to
	time.Sleep(100 * time.Millisecond)
	close(gate.release)
	wg.Wait()
	return gate.peak.Load()
}

func TestRetrainSerialisesPerModel(t *testing.T) {
	assert.Equal(t, int32(1), runRetrains(t, ml.KNNL1, ml.KNNL1))
}

func TestRetrainDifferentModelsInParallel(t *testing.T) {
	assert.Equal(t, int32(2), runRetrains(t, ml.KNNL1, ml.KNNL2))
}

func TestRetrainWaitingHonoursContext(t *testing.T) {
	f := newFixture(t)
	gate := &gateSource{
		data:    mltest.SyntheticDataset(160, 3),
		release: make(chan struct{}),
		entered: make(chan struct{}, 2),
	}
	r := serving.NewRetrainer(f.registry, f.store, gate, serving.RetrainerOptions{})

	done := make(chan error, 1)
	go func() {
		_, err := r.Retrain(context.Background(), ml.KNNL1, nil)
		done <- err
	}()
	<-gate.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Retrain(ctx, ml.KNNL1, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, serving.KindRetrainFailed, serving.KindOf(err))

	close(gate.release)
	assert.NoError(t, <-done)
}

func TestExpandTarget(t *testing.T) {
	r := newFixture(t).retrainer()

	ids, err := r.ExpandTarget("all")
	require.NoError(t, err)
	assert.Equal(t, servedIDs, ids)

	ids, err = r.ExpandTarget("KNN")
	require.NoError(t, err)
	assert.Equal(t, []ml.ModelID{ml.KNNL1, ml.KNNL2}, ids)

	ids, err = r.ExpandTarget("l2_nn")
	require.NoError(t, err)
	assert.Equal(t, []ml.ModelID{ml.KNNL2}, ids)

	_, err = r.ExpandTarget("forest")
	assert.Equal(t, serving.KindUnknownModel, serving.KindOf(err))
}

func TestRetrainGroup(t *testing.T) {
	f := newFixture(t)
	r := f.retrainer()

	_, err := r.RetrainGroup(context.Background(), "knn", map[string]any{"n_neighbors": 0})
	assert.Equal(t, serving.KindInvalidHyperparameter, serving.KindOf(err))
	assert.Zero(t, f.source.Loads())

	results, err := r.RetrainGroup(context.Background(), "knn", map[string]any{"n_neighbors": 3})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, res.ID, res.Outcome.ID)
	}
	assert.Equal(t, []ml.ModelID{ml.KNNL1, ml.KNNL2}, f.registry.List())
}

func TestTrainMissing(t *testing.T) {
	f := newFixture(t, ml.Linear)
	r := serving.NewRetrainer(f.registry, f.store, f.source, serving.RetrainerOptions{
		Seed:     ml.DefaultSeed,
		Parallel: 3,
		Recorder: f.recorder,
	})

	results := r.TrainMissing(context.Background())
	require.Len(t, results, len(servedIDs)-1)
	for _, res := range results {
		assert.NotEqual(t, ml.Linear, res.ID)
		assert.NoError(t, res.Err, res.ID)
	}
	assert.Equal(t, servedIDs, f.registry.List())
	for _, l := range f.recorder.Logs() {
		assert.Equal(t, serving.TriggerBootstrap, l.Trigger)
	}
	assert.Empty(t, r.TrainMissing(context.Background()))
}

func TestPredictDuringRetrain(t *testing.T) {
	f := newFixture(t, ml.KNNL1)
	p := f.predictor(t)
	r := f.retrainer()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			res, err := p.Predict(context.Background(), ml.KNNL1, mltest.BenignExample())
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, 0, res.Prediction)
		}
	}()
	for i := 0; i < 3; i++ {
		_, err := r.Retrain(context.Background(), ml.KNNL1, map[string]any{"n_neighbors": 1 + 2*i})
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()
}
