package serving

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"oncoscope/ml"
)

// ModelEntry is one published, immutable model. A retrain publishes a new entry
// instead of mutating the old one.
type ModelEntry struct {
	ID              ml.ModelID
	Description     string
	Estimator       ml.Estimator
	Scaler          *ml.StandardScaler
	Metrics         ml.Metrics
	Hyperparameters ml.Hyperparameters
	FitID           string
	TrainedAt       time.Time
	Generation      uint64
}

func EntryFromArtifact(a *ml.Artifact) ModelEntry {
	return ModelEntry{
		ID:              a.ID,
		Description:     a.ID.Description(),
		Estimator:       a.Estimator,
		Scaler:          a.Scaler,
		Metrics:         a.Metrics,
		Hyperparameters: a.Hyperparameters,
		FitID:           a.FitID,
		TrainedAt:       a.TrainedAt,
	}
}

// ArtifactLoader reads persisted models; *ml.ArtifactStore implements it.
type ArtifactLoader interface {
	Load(ctx context.Context, id ml.ModelID) (*ml.Artifact, error)
}

type RegistryOptions struct {
	// Enabled lists the ids this process may serve. Empty means every id.
	Enabled []ml.ModelID
	Logger  *zap.Logger
}

type snapshot map[ml.ModelID]*ModelEntry

// Registry maps model ids to their current entry. Reads are lock free; writers
// copy the snapshot under mu and publish it with a single atomic store.
type Registry struct {
	loader  ArtifactLoader
	enabled map[ml.ModelID]bool
	logger  *zap.Logger

	current    atomic.Pointer[snapshot]
	mu         sync.Mutex
	generation uint64
}

func NewRegistry(loader ArtifactLoader, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	enabled := make(map[ml.ModelID]bool)
	ids := opts.Enabled
	if len(ids) == 0 {
		ids = ml.ModelIDs()
	}
	for _, id := range ids {
		enabled[id] = true
	}
	r := &Registry{loader: loader, enabled: enabled, logger: logger.Named("registry")}
	r.current.Store(&snapshot{})
	return r
}

// Init loads the persisted artifact of every enabled id. Missing or unreadable
// artifacts leave that id unloaded; only cancellation fails the call.
func (r *Registry) Init(ctx context.Context) error {
	for _, id := range ml.ModelIDs() {
		if !r.enabled[id] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.Reload(ctx, id); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ml.ErrArtifactNotFound) {
				r.logger.Warn("no artifact for model", zap.String("model", string(id)))
				continue
			}
			r.logger.Error("failed to load model", zap.String("model", string(id)), zap.Error(err))
		}
	}
	r.logger.Info("registry initialised", zap.Int("loaded", len(r.List())), zap.Int("enabled", len(r.enabled)))
	return nil
}

// Reload reads the artifact of id from disk and publishes it.
func (r *Registry) Reload(ctx context.Context, id ml.ModelID) (*ModelEntry, error) {
	if r.loader == nil {
		return nil, errors.New("registry has no artifact loader")
	}
	art, err := r.loader.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	entry, err := r.Replace(id, EntryFromArtifact(art))
	if err != nil {
		return nil, err
	}
	r.logger.Info("model loaded",
		zap.String("model", string(id)),
		zap.String("fit_id", entry.FitID),
		zap.Uint64("generation", entry.Generation),
		zap.Float64("accuracy", entry.Metrics.Accuracy))
	return entry, nil
}

func (r *Registry) Enabled(id ml.ModelID) bool {
	return r.enabled[id]
}

// Capabilities reports, per known id, whether this process may serve it.
func (r *Registry) Capabilities() map[ml.ModelID]bool {
	out := make(map[ml.ModelID]bool, len(ml.ModelIDs()))
	for _, id := range ml.ModelIDs() {
		out[id] = r.enabled[id]
	}
	return out
}

func (r *Registry) Get(id ml.ModelID) (*ModelEntry, error) {
	if !id.Valid() {
		return nil, newError(KindUnknownModel, id, fmt.Errorf("%w: %q", ErrUnknownModel, id))
	}
	entry, ok := (*r.current.Load())[id]
	if !ok || !r.enabled[id] {
		return nil, newError(KindModelNotLoaded, id, ErrModelNotLoaded)
	}
	return entry, nil
}

// List returns the loaded ids in canonical order.
func (r *Registry) List() []ml.ModelID {
	snap := *r.current.Load()
	ids := make([]ml.ModelID, 0, len(snap))
	for _, id := range ml.ModelIDs() {
		if _, ok := snap[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Entries returns the loaded entries in canonical order.
func (r *Registry) Entries() []*ModelEntry {
	snap := *r.current.Load()
	out := make([]*ModelEntry, 0, len(snap))
	for _, id := range ml.ModelIDs() {
		if e, ok := snap[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Replace publishes entry as the current model for id and stamps it with the next
// generation. Readers observe either the old or the new entry, never a mix.
func (r *Registry) Replace(id ml.ModelID, entry ModelEntry) (*ModelEntry, error) {
	if !id.Valid() {
		return nil, newError(KindUnknownModel, id, fmt.Errorf("%w: %q", ErrUnknownModel, id))
	}
	if !r.enabled[id] {
		return nil, newError(KindModelNotLoaded, id, ErrModelNotLoaded)
	}
	if entry.Estimator == nil || !entry.Scaler.Fitted() {
		return nil, fmt.Errorf("%s: entry has no fitted estimator or scaler", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.generation++
	published := entry
	published.ID = id
	published.Generation = r.generation
	if published.Description == "" {
		published.Description = id.Description()
	}
	published.Hyperparameters = entry.Hyperparameters.Clone()

	old := *r.current.Load()
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[id] = &published
	r.current.Store(&next)
	return &published, nil
}

// Shutdown drops every entry. Later lookups report ModelNotLoaded.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Store(&snapshot{})
	r.logger.Info("registry shut down")
}
