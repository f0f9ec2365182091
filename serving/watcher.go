package serving

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"oncoscope/ml"
)

// Watcher reloads models whose artifacts were rewritten by another process, such
// as the offline trainer. Events are debounced per id because a save touches two
// files and the pair is only consistent after both renames.
type Watcher struct {
	registry *Registry
	loader   ArtifactLoader
	dir      string
	debounce time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	timers map[ml.ModelID]*time.Timer
	wg     sync.WaitGroup
}

func NewWatcher(registry *Registry, loader ArtifactLoader, dir string, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		registry: registry,
		loader:   loader,
		dir:      dir,
		debounce: debounce,
		logger:   logger.Named("watcher"),
		timers:   make(map[ml.ModelID]*time.Timer),
	}
}

// Run watches the artifact directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("watching artifacts", zap.String("dir", w.dir))

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			id, ok := ml.ArtifactID(event.Name)
			if !ok || !w.registry.Enabled(id) {
				continue
			}
			w.schedule(ctx, id)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, id ml.ModelID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok && t.Stop() {
		t.Reset(w.debounce)
		return
	}
	var t *time.Timer
	w.wg.Add(1)
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[id] == t {
			delete(w.timers, id)
		}
		w.mu.Unlock()
		w.reload(ctx, id)
	})
	w.timers[id] = t
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	for id, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// reload publishes the artifact unless it is the fit already being served.
func (w *Watcher) reload(ctx context.Context, id ml.ModelID) {
	if ctx.Err() != nil {
		return
	}
	art, err := w.loader.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, ml.ErrArtifactNotFound) {
			w.logger.Warn("changed artifact not loadable", zap.String("model", string(id)), zap.Error(err))
		}
		return
	}
	if cur, err := w.registry.Get(id); err == nil && cur.FitID == art.FitID {
		return
	}
	entry, err := w.registry.Replace(id, EntryFromArtifact(art))
	if err != nil {
		w.logger.Warn("reload rejected", zap.String("model", string(id)), zap.Error(err))
		return
	}
	w.logger.Info("model reloaded from disk",
		zap.String("model", string(id)),
		zap.String("fit_id", entry.FitID),
		zap.Uint64("generation", entry.Generation))
}
