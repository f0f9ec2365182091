package db

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainingLogRoundTrip(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordTraining(ctx, TrainingLog{
		ModelName: "mlp", Status: StatusCompleted, Trigger: "api", FitID: "a",
		Accuracy: 0.97, ROCAUC: 0.99, DataPoints: 455, DurationMS: 1200,
		Hyperparameters: json.RawMessage(`{"alpha":0.01}`), TrainedAt: base,
	}))
	require.NoError(t, store.RecordTraining(ctx, TrainingLog{
		ModelName: "svm", Status: StatusFailed, Trigger: "api", Error: "invalid C", TrainedAt: base.Add(time.Minute),
	}))
	require.NoError(t, store.RecordTraining(ctx, TrainingLog{
		ModelName: "mlp", Status: StatusCompleted, Trigger: "cli", FitID: "b", TrainedAt: base.Add(2 * time.Minute),
	}))

	all, err := store.LoadTrainingLog(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].FitID)
	assert.Equal(t, "svm", all[1].ModelName)
	assert.Equal(t, "invalid C", all[1].Error)
	assert.JSONEq(t, `{}`, string(all[1].Hyperparameters))
	assert.JSONEq(t, `{"alpha":0.01}`, string(all[2].Hyperparameters))
	assert.True(t, all[2].TrainedAt.Equal(base))

	mlp, err := store.LoadTrainingLog(ctx, 1, "mlp")
	require.NoError(t, err)
	require.Len(t, mlp, 1)
	assert.Equal(t, "cli", mlp[0].Trigger)
}

func TestRecordTrainingValidates(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.RecordTraining(context.Background(), TrainingLog{Status: StatusCompleted}))
	assert.Error(t, store.RecordTraining(context.Background(), TrainingLog{ModelName: "mlp"}))
}

func TestOpenFileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oncoscope.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.RecordTraining(context.Background(), TrainingLog{ModelName: "knn_l1", Status: StatusCompleted}))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	logs, err := store.LoadTrainingLog(context.Background(), 10, "")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "knn_l1", logs[0].ModelName)
}
