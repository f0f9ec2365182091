package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncoscope/ml"
	"oncoscope/serving"
)

func completed(id ml.ModelID, accuracy float64) serving.RetrainEvent {
	return serving.RetrainEvent{Model: id, Metrics: &ml.Metrics{Accuracy: accuracy}}
}

func TestAlertSystemLowAccuracy(t *testing.T) {
	events := &recordingPublisher{}
	a := NewAlertSystem(AlertOptions{MinAccuracy: 0.9, Events: events})

	a.Publish(serving.EventRetrainCompleted, completed(ml.Linear, 0.85))
	active := a.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, RuleLowAccuracy, active[0].Rule)
	assert.Equal(t, Critical, active[0].Level)
	assert.Equal(t, 0.85, active[0].Value)
	assert.Equal(t, 0.9, active[0].Threshold)

	// 重新训练达标后告警解除
	a.Publish(serving.EventRetrainCompleted, completed(ml.Linear, 0.95))
	assert.Empty(t, a.GetActiveAlerts())
	assert.Equal(t, []string{EventAlert, EventAlert}, events.types)

	stats := a.GetStats()
	assert.Equal(t, int64(1), stats.TotalAlerts)
	assert.Equal(t, int64(1), stats.ByLevel[Critical])
	assert.Equal(t, 0, stats.ActiveAlerts)
}

func TestAlertSystemAccuracyDrop(t *testing.T) {
	a := NewAlertSystem(AlertOptions{MaxAccuracyDrop: 0.03})
	a.Observe(ml.SVM, 0.98)

	a.Publish(serving.EventRetrainCompleted, completed(ml.SVM, 0.96))
	assert.Empty(t, a.GetActiveAlerts())

	a.Publish(serving.EventRetrainCompleted, completed(ml.SVM, 0.90))
	active := a.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, RuleAccuracyDrop, active[0].Rule)
	assert.InDelta(t, 0.06, active[0].Value, 1e-9)
}

func TestAlertSystemRetrainFailedAndCooldown(t *testing.T) {
	a := NewAlertSystem(AlertOptions{Cooldown: time.Hour})
	failed := serving.RetrainEvent{Model: ml.MLP, Error: "dataset missing"}

	a.Publish(serving.EventRetrainFailed, failed)
	a.Publish(serving.EventRetrainFailed, failed)
	active := a.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Contains(t, active[0].Message, "dataset missing")
	assert.Equal(t, int64(1), a.GetStats().Suppressed)

	a.Publish(serving.EventRetrainStarted, serving.RetrainEvent{Model: ml.MLP})
	assert.Len(t, a.GetActiveAlerts(), 1)
	a.Publish(serving.EventRetrainCompleted, completed(ml.MLP, 0.97))
	assert.Empty(t, a.GetActiveAlerts())
}

func TestAlertSystemWebhookRetries(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var got []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var alert Alert
		if err := json.NewDecoder(r.Body).Decode(&alert); err == nil {
			mu.Lock()
			got = append(got, alert)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewAlertSystem(AlertOptions{WebhookURL: srv.URL})
	a.Publish(serving.EventRetrainFailed, serving.RetrainEvent{Model: ml.KNNL1, Error: "boom"})
	a.Wait()

	assert.Equal(t, int32(2), calls.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, ml.KNNL1, got[0].Model)
	assert.Equal(t, RuleRetrainFailed, got[0].Rule)
	assert.Zero(t, a.GetStats().WebhookFailures)
}

func TestAlertSystemWebhookGivesUpOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewAlertSystem(AlertOptions{WebhookURL: srv.URL})
	a.Publish(serving.EventRetrainFailed, serving.RetrainEvent{Model: ml.KNNL2})
	a.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), a.GetStats().WebhookFailures)
}
