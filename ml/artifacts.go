package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	retry "github.com/sethvargo/go-retry"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	errFitMismatch      = errors.New("scaler and model artifacts come from different fits")
)

const (
	scalerSuffix = "_scaler.json"
	modelSuffix  = "_model.json"
	tempPrefix   = ".tmp-"
)

// Artifact is a persisted scaler/estimator pair produced by one fit.
type Artifact struct {
	ID              ModelID
	FitID           string
	TrainedAt       time.Time
	Metrics         Metrics
	Hyperparameters Hyperparameters
	Scaler          *StandardScaler
	Estimator       Estimator
}

type scalerFile struct {
	ID    ModelID `json:"id"`
	FitID string  `json:"fit_id"`
	StandardScaler
}

type modelFile struct {
	ID              ModelID         `json:"id"`
	FitID           string          `json:"fit_id"`
	TrainedAt       time.Time       `json:"trained_at"`
	Metrics         Metrics         `json:"metrics"`
	Hyperparameters map[string]any  `json:"hyperparameters"`
	Params          json.RawMessage `json:"params"`
}

// ArtifactStore keeps <id>_scaler.json and <id>_model.json files in one directory.
type ArtifactStore struct {
	dir     string
	retries uint64
	backoff time.Duration
}

func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &ArtifactStore{dir: dir, retries: 3, backoff: 50 * time.Millisecond}, nil
}

func (s *ArtifactStore) Dir() string {
	return s.dir
}

func (s *ArtifactStore) ScalerPath(id ModelID) string {
	return filepath.Join(s.dir, string(id)+scalerSuffix)
}

func (s *ArtifactStore) ModelPath(id ModelID) string {
	return filepath.Join(s.dir, string(id)+modelSuffix)
}

// ArtifactID reports which model a file in the artifact directory belongs to.
// Temporary files are never matched.
func ArtifactID(path string) (ModelID, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, tempPrefix) {
		return "", false
	}
	for _, suffix := range []string{scalerSuffix, modelSuffix} {
		if base, ok := strings.CutSuffix(name, suffix); ok {
			id := ModelID(base)
			return id, id.Valid()
		}
	}
	return "", false
}

func (s *ArtifactStore) Exists(id ModelID) bool {
	for _, p := range []string{s.ScalerPath(id), s.ModelPath(id)} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Save persists a training result under a new fit id. The scaler is written first
// so a reader never pairs a new model with an old scaler.
func (s *ArtifactStore) Save(ctx context.Context, res *TrainingResult) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	art := &Artifact{
		ID:              res.ID,
		FitID:           uuid.NewString(),
		TrainedAt:       time.Now().UTC(),
		Metrics:         res.Metrics,
		Hyperparameters: res.Hyperparameters.Clone(),
		Scaler:          res.Scaler,
		Estimator:       res.Estimator,
	}

	params, err := json.Marshal(res.Estimator)
	if err != nil {
		return nil, fmt.Errorf("encode %s parameters: %w", res.ID, err)
	}
	scaler, err := json.Marshal(scalerFile{ID: art.ID, FitID: art.FitID, StandardScaler: *res.Scaler})
	if err != nil {
		return nil, fmt.Errorf("encode %s scaler: %w", res.ID, err)
	}
	model, err := json.MarshalIndent(modelFile{
		ID:              art.ID,
		FitID:           art.FitID,
		TrainedAt:       art.TrainedAt,
		Metrics:         art.Metrics,
		Hyperparameters: art.Hyperparameters,
		Params:          params,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s model: %w", res.ID, err)
	}

	if err := writeAtomic(s.ScalerPath(art.ID), scaler); err != nil {
		return nil, err
	}
	if err := writeAtomic(s.ModelPath(art.ID), model); err != nil {
		return nil, err
	}
	return art, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Load reads the artifact pair for id. Mismatched fit ids and transient read errors
// are retried with Fibonacci backoff; a missing file is reported at once.
func (s *ArtifactStore) Load(ctx context.Context, id ModelID) (*Artifact, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	var art *Artifact
	b := retry.NewFibonacci(s.backoff)
	err := retry.Do(ctx, retry.WithMaxRetries(s.retries, b), func(ctx context.Context) error {
		a, err := s.read(id)
		switch {
		case err == nil:
			art = a
			return nil
		case errors.Is(err, ErrArtifactNotFound), errors.Is(err, ErrInvalidHyperparameter), errors.Is(err, ErrUnknownModel):
			return err
		default:
			return retry.RetryableError(err)
		}
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

func (s *ArtifactStore) read(id ModelID) (*Artifact, error) {
	var sf scalerFile
	if err := readJSON(s.ScalerPath(id), &sf); err != nil {
		return nil, err
	}
	var mf modelFile
	if err := readJSON(s.ModelPath(id), &mf); err != nil {
		return nil, err
	}
	if sf.FitID != mf.FitID {
		return nil, fmt.Errorf("%s: %w", id, errFitMismatch)
	}
	if mf.ID != id {
		return nil, fmt.Errorf("%s: model file is labelled %q", id, mf.ID)
	}
	hp, err := ResolveHyperparameters(id, mf.Hyperparameters)
	if err != nil {
		return nil, fmt.Errorf("%s stored hyperparameters: %w", id, err)
	}
	est, err := LoadEstimator(id, mf.Params)
	if err != nil {
		return nil, err
	}
	scaler := sf.StandardScaler
	if !scaler.Fitted() {
		return nil, fmt.Errorf("%s scaler: %w", id, ErrNotFitted)
	}
	return &Artifact{
		ID:              id,
		FitID:           mf.FitID,
		TrainedAt:       mf.TrainedAt,
		Metrics:         mf.Metrics,
		Hyperparameters: hp,
		Scaler:          &scaler,
		Estimator:       est,
	}, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, filepath.Base(path))
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
