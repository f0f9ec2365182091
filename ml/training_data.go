package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// StratifiedSplit partitions d into train and test sets with the class ratio kept in
// both. The same seed always yields the same partition.
func StratifiedSplit(d *Dataset, testRatio float64, seed int) (train, test *Dataset, err error) {
	if d == nil || d.Len() == 0 {
		return nil, nil, errors.New("dataset is empty")
	}
	if testRatio <= 0 || testRatio >= 1 {
		return nil, nil, fmt.Errorf("test ratio %g outside (0, 1)", testRatio)
	}
	rng := newRand(seed)
	var byClass [2][]int
	for i, y := range d.Y {
		byClass[y] = append(byClass[y], i)
	}

	var trainIdx, testIdx []int
	for class, idx := range byClass {
		if len(idx) < 2 {
			return nil, nil, fmt.Errorf("class %s has %d rows, need at least 2", LabelName(class), len(idx))
		}
		permutation(rng, idx)
		nTest := int(math.Round(testRatio * float64(len(idx))))
		nTest = max(1, min(nTest, len(idx)-1))
		testIdx = append(testIdx, idx[:nTest]...)
		trainIdx = append(trainIdx, idx[nTest:]...)
	}
	sort.Ints(trainIdx)
	sort.Ints(testIdx)
	return d.subset(trainIdx), d.subset(testIdx), nil
}

func (d *Dataset) subset(idx []int) *Dataset {
	out := &Dataset{
		IDs: make([]string, 0, len(idx)),
		X:   make([][]float64, 0, len(idx)),
		Y:   make([]int, 0, len(idx)),
	}
	for _, i := range idx {
		if i < len(d.IDs) {
			out.IDs = append(out.IDs, d.IDs[i])
		}
		out.X = append(out.X, d.X[i])
		out.Y = append(out.Y, d.Y[i])
	}
	return out
}

// TrainingResult is a freshly fitted scaler/estimator pair with its held-out metrics.
type TrainingResult struct {
	ID              ModelID
	Scaler          *StandardScaler
	Estimator       Estimator
	Metrics         Metrics
	Hyperparameters Hyperparameters
	Duration        time.Duration
}

// Train fits a new scaler on the training partition only, fits the estimator on the
// scaled rows and scores it on the scaled test partition.
func Train(ctx context.Context, id ModelID, hp Hyperparameters, train, test *Dataset) (*TrainingResult, error) {
	start := time.Now()
	est, err := NewEstimator(id, hp)
	if err != nil {
		return nil, err
	}

	scaler := &StandardScaler{}
	if err := scaler.Fit(train.X); err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	trainX, err := scaler.TransformAll(train.X)
	if err != nil {
		return nil, err
	}
	testX, err := scaler.TransformAll(test.X)
	if err != nil {
		return nil, err
	}

	if err := est.Fit(ctx, trainX, train.Y); err != nil {
		return nil, fmt.Errorf("fit %s: %w", id, err)
	}
	metrics, err := Evaluate(est, testX, test.Y)
	if err != nil {
		return nil, err
	}
	return &TrainingResult{
		ID:              id,
		Scaler:          scaler,
		Estimator:       est,
		Metrics:         metrics,
		Hyperparameters: hp.Clone(),
		Duration:        time.Since(start),
	}, nil
}
