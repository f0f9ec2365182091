package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"oncoscope/db"
	"oncoscope/ml"
)

// Retrain event types published to the event stream.
const (
	EventRetrainStarted   = "retrain_started"
	EventRetrainCompleted = "retrain_completed"
	EventRetrainFailed    = "retrain_failed"
)

// Retrain triggers recorded in the training log.
const (
	TriggerAPI       = "api"
	TriggerCLI       = "cli"
	TriggerBootstrap = "bootstrap"
)

// ArtifactSaver persists a training result; *ml.ArtifactStore implements it.
type ArtifactSaver interface {
	Save(ctx context.Context, res *ml.TrainingResult) (*ml.Artifact, error)
}

// TrainingRecorder appends retrain attempts to the training log; *db.Store implements it.
type TrainingRecorder interface {
	RecordTraining(ctx context.Context, l db.TrainingLog) error
}

// EventPublisher broadcasts retrain progress; *monitoring.Hub implements it.
type EventPublisher interface {
	Publish(eventType string, data any)
}

// RetrainEvent is the payload of every retrain event.
type RetrainEvent struct {
	Model        ml.ModelID  `json:"model_name"`
	Trigger      string      `json:"trigger"`
	FitID        string      `json:"fit_id,omitempty"`
	Generation   uint64      `json:"generation,omitempty"`
	Metrics      *ml.Metrics `json:"metrics,omitempty"`
	TrainingTime float64     `json:"training_time,omitempty"`
	Error        string      `json:"error,omitempty"`
}

type RetrainerOptions struct {
	TestRatio float64
	Seed      int
	// Parallel bounds how many ids a group retrain fits at once.
	Parallel int
	Trigger  string
	Recorder TrainingRecorder
	Events   EventPublisher
	Logger   *zap.Logger
}

type RetrainOutcome struct {
	ID         ml.ModelID    `json:"model_name"`
	Metrics    ml.Metrics    `json:"metrics"`
	Duration   time.Duration `json:"-"`
	Entry      *ModelEntry   `json:"-"`
	DataPoints int           `json:"data_points"`
}

// GroupResult is the outcome of one id inside a group retrain.
type GroupResult struct {
	ID      ml.ModelID
	Outcome *RetrainOutcome
	Err     error
}

// Retrainer fits, persists and publishes new models. At most one retrain per id
// runs at a time; different ids proceed in parallel.
type Retrainer struct {
	registry *Registry
	store    ArtifactSaver
	source   ml.DatasetSource
	opts     RetrainerOptions
	logger   *zap.Logger
	slots    map[ml.ModelID]chan struct{}
}

func NewRetrainer(registry *Registry, store ArtifactSaver, source ml.DatasetSource, opts RetrainerOptions) *Retrainer {
	if opts.TestRatio <= 0 || opts.TestRatio >= 1 {
		opts.TestRatio = 0.2
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 1
	}
	if opts.Trigger == "" {
		opts.Trigger = TriggerAPI
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := make(map[ml.ModelID]chan struct{}, len(ml.ModelIDs()))
	for _, id := range ml.ModelIDs() {
		slots[id] = make(chan struct{}, 1)
	}
	return &Retrainer{
		registry: registry,
		store:    store,
		source:   source,
		opts:     opts,
		logger:   logger.Named("retrainer"),
		slots:    slots,
	}
}

// Retrain fits id with overrides applied on top of the schema defaults and
// publishes the result. On any error the current entry stays untouched.
func (r *Retrainer) Retrain(ctx context.Context, id ml.ModelID, overrides map[string]any) (*RetrainOutcome, error) {
	return r.retrain(ctx, id, overrides, r.opts.Trigger)
}

func (r *Retrainer) retrain(ctx context.Context, id ml.ModelID, overrides map[string]any, trigger string) (*RetrainOutcome, error) {
	hp, err := r.validate(id, overrides)
	if err != nil {
		return nil, err
	}

	select {
	case r.slots[id] <- struct{}{}:
	case <-ctx.Done():
		return nil, r.fail(ctx, id, hp, trigger, fmt.Errorf("waiting for running retrain: %w", ctx.Err()))
	}
	defer func() { <-r.slots[id] }()

	r.publish(EventRetrainStarted, RetrainEvent{Model: id, Trigger: trigger})
	r.logger.Info("retrain started", zap.String("model", string(id)), zap.String("trigger", trigger))

	start := time.Now()
	data, err := r.source.Load(ctx)
	if err != nil {
		return nil, r.fail(ctx, id, hp, trigger, fmt.Errorf("load dataset: %w", err))
	}
	train, test, err := ml.StratifiedSplit(data, r.opts.TestRatio, r.opts.Seed)
	if err != nil {
		return nil, r.fail(ctx, id, hp, trigger, fmt.Errorf("split dataset: %w", err))
	}
	res, err := ml.Train(ctx, id, hp, train, test)
	if err != nil {
		return nil, r.fail(ctx, id, hp, trigger, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(ctx, id, hp, trigger, fmt.Errorf("abandoned after fit: %w", err))
	}

	art, err := r.store.Save(ctx, res)
	if err != nil {
		return nil, r.fail(ctx, id, hp, trigger, fmt.Errorf("persist artifacts: %w", err))
	}
	entry, err := r.registry.Replace(id, EntryFromArtifact(art))
	if err != nil {
		return nil, r.fail(ctx, id, hp, trigger, fmt.Errorf("publish: %w", err))
	}

	outcome := &RetrainOutcome{
		ID:         id,
		Metrics:    res.Metrics,
		Duration:   time.Since(start),
		Entry:      entry,
		DataPoints: train.Len(),
	}
	r.record(ctx, db.TrainingLog{
		ModelName:       string(id),
		Status:          db.StatusCompleted,
		Trigger:         trigger,
		FitID:           art.FitID,
		Accuracy:        res.Metrics.Accuracy,
		ROCAUC:          res.Metrics.ROCAUC,
		Precision:       res.Metrics.Precision,
		Recall:          res.Metrics.Recall,
		F1:              res.Metrics.F1,
		DataPoints:      outcome.DataPoints,
		DurationMS:      outcome.Duration.Milliseconds(),
		Hyperparameters: marshalHyperparameters(hp),
		TrainedAt:       art.TrainedAt,
	})
	r.publish(EventRetrainCompleted, RetrainEvent{
		Model:        id,
		Trigger:      trigger,
		FitID:        art.FitID,
		Generation:   entry.Generation,
		Metrics:      &res.Metrics,
		TrainingTime: outcome.Duration.Seconds(),
	})
	r.logger.Info("retrain completed",
		zap.String("model", string(id)),
		zap.String("fit_id", art.FitID),
		zap.Uint64("generation", entry.Generation),
		zap.Float64("accuracy", res.Metrics.Accuracy),
		zap.Duration("duration", outcome.Duration))
	return outcome, nil
}

// validate runs before any work so bad requests never touch the dataset or the registry.
func (r *Retrainer) validate(id ml.ModelID, overrides map[string]any) (ml.Hyperparameters, error) {
	if !id.Valid() {
		return nil, newError(KindUnknownModel, id, fmt.Errorf("%w: %q", ErrUnknownModel, id))
	}
	if !r.registry.Enabled(id) {
		return nil, newError(KindModelNotLoaded, id, fmt.Errorf("%w: capability disabled", ErrModelNotLoaded))
	}
	hp, err := ml.ResolveHyperparameters(id, overrides)
	if err != nil {
		return nil, newError(KindInvalidHyperparameter, id, err)
	}
	return hp, nil
}

func (r *Retrainer) fail(ctx context.Context, id ml.ModelID, hp ml.Hyperparameters, trigger string, cause error) error {
	r.logger.Error("retrain failed", zap.String("model", string(id)), zap.Error(cause))
	r.record(ctx, db.TrainingLog{
		ModelName:       string(id),
		Status:          db.StatusFailed,
		Trigger:         trigger,
		Hyperparameters: marshalHyperparameters(hp),
		Error:           cause.Error(),
	})
	r.publish(EventRetrainFailed, RetrainEvent{Model: id, Trigger: trigger, Error: cause.Error()})
	return newError(KindRetrainFailed, id, fmt.Errorf("%w: %w", ErrRetrainFailed, cause))
}

func (r *Retrainer) record(ctx context.Context, l db.TrainingLog) {
	if r.opts.Recorder == nil {
		return
	}
	// the log entry must survive the request being cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.opts.Recorder.RecordTraining(ctx, l); err != nil {
		r.logger.Warn("failed to record training", zap.String("model", l.ModelName), zap.Error(err))
	}
}

func (r *Retrainer) publish(eventType string, data any) {
	if r.opts.Events != nil {
		r.opts.Events.Publish(eventType, data)
	}
}

func marshalHyperparameters(hp ml.Hyperparameters) json.RawMessage {
	if hp == nil {
		return nil
	}
	raw, err := json.Marshal(hp)
	if err != nil {
		return nil
	}
	return raw
}

// ExpandTarget resolves a retrain target: "all" is every enabled id, "knn" both
// KNN variants, anything else a single id or alias.
func (r *Retrainer) ExpandTarget(target string) ([]ml.ModelID, error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "all":
		var ids []ml.ModelID
		for _, id := range ml.ModelIDs() {
			if r.registry.Enabled(id) {
				ids = append(ids, id)
			}
		}
		return ids, nil
	case "knn":
		return []ml.ModelID{ml.KNNL1, ml.KNNL2}, nil
	}
	id, err := ml.ParseModelID(target)
	if err != nil {
		return nil, newError(KindUnknownModel, ml.ModelID(target), err)
	}
	return []ml.ModelID{id}, nil
}

// RetrainGroup retrains every id of target. Every id is validated first; a bad
// request fails as a whole before any fit starts.
func (r *Retrainer) RetrainGroup(ctx context.Context, target string, overrides map[string]any) ([]GroupResult, error) {
	ids, err := r.ExpandTarget(target)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := r.validate(id, overrides); err != nil {
			return nil, err
		}
	}
	return r.runGroup(ctx, ids, overrides, r.opts.Trigger), nil
}

func (r *Retrainer) runGroup(ctx context.Context, ids []ml.ModelID, overrides map[string]any, trigger string) []GroupResult {
	results := make([]GroupResult, len(ids))
	var g errgroup.Group
	g.SetLimit(r.opts.Parallel)
	for i, id := range ids {
		g.Go(func() error {
			outcome, err := r.retrain(ctx, id, overrides, trigger)
			results[i] = GroupResult{ID: id, Outcome: outcome, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// TrainMissing trains every enabled id that has no loaded entry.
func (r *Retrainer) TrainMissing(ctx context.Context) []GroupResult {
	var missing []ml.ModelID
	for _, id := range ml.ModelIDs() {
		if !r.registry.Enabled(id) {
			continue
		}
		if _, err := r.registry.Get(id); errors.Is(err, ErrModelNotLoaded) {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	r.logger.Info("training missing models", zap.Int("count", len(missing)))
	return r.runGroup(ctx, missing, nil, TriggerBootstrap)
}
