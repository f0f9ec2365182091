package ml

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownModel          = errors.New("unknown model")
	ErrInvalidFeatureVector  = errors.New("invalid feature vector")
	ErrInvalidHyperparameter = errors.New("invalid hyperparameter")
	ErrNotFitted             = errors.New("model not fitted")
)

// ModelID names one of the supported classifier variants.
type ModelID string

const (
	Linear  ModelID = "linear"
	Softmax ModelID = "softmax"
	MLP     ModelID = "mlp"
	SVM     ModelID = "svm"
	KNNL1   ModelID = "knn_l1"
	KNNL2   ModelID = "knn_l2"
	GRUSVM  ModelID = "gru_svm"
)

var modelIDs = []ModelID{Linear, Softmax, MLP, SVM, KNNL1, KNNL2, GRUSVM}

// names used by older clients
var modelAliases = map[string]ModelID{
	"l1_nn":              KNNL1,
	"l2_nn":              KNNL2,
	"softmax_regression": Softmax,
	"linear_regression":  Linear,
}

var modelDescriptions = map[ModelID]string{
	Linear:  "Linear Regression (SGD, squared loss) thresholded at 0.5",
	Softmax: "Softmax Regression (multinomial logistic regression, SGD)",
	MLP:     "Multi-Layer Perceptron Neural Network",
	SVM:     "Support Vector Machine (RBF kernel, Platt-scaled probabilities)",
	KNNL1:   "K-Nearest Neighbors with Manhattan distance (L1)",
	KNNL2:   "K-Nearest Neighbors with Euclidean distance (L2)",
	GRUSVM:  "GRU feature extractor followed by an RBF Support Vector Machine",
}

// ModelIDs returns every supported identifier in canonical order.
func ModelIDs() []ModelID {
	return append([]ModelID(nil), modelIDs...)
}

func ParseModelID(s string) (ModelID, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if alias, ok := modelAliases[name]; ok {
		return alias, nil
	}
	id := ModelID(name)
	if !id.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, s)
	}
	return id, nil
}

func (id ModelID) Valid() bool {
	for _, known := range modelIDs {
		if id == known {
			return true
		}
	}
	return false
}

func (id ModelID) Description() string {
	if d, ok := modelDescriptions[id]; ok {
		return d
	}
	return "Unknown model"
}

// DisplayName is the upper-cased identifier used in API responses.
func (id ModelID) DisplayName() string {
	return strings.ToUpper(string(id))
}

// Estimator is a binary classifier over scaled feature rows. Label 1 is malignant.
type Estimator interface {
	Fit(ctx context.Context, features [][]float64, labels []int) error
	// PredictProba returns the (benign, malignant) probabilities of one scaled row.
	PredictProba(features []float64) ([2]float64, error)
}

// LabelOf is the argmax of a probability pair; an exact tie resolves to benign.
func LabelOf(proba [2]float64) int {
	if proba[1] > proba[0] {
		return 1
	}
	return 0
}

func LabelName(label int) string {
	if label == 1 {
		return "Malignant"
	}
	return "Benign"
}

func errInvalidWidth(got, want int) error {
	return fmt.Errorf("%w: got %d values, model expects %d", ErrInvalidFeatureVector, got, want)
}

func checkTrainingSet(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	width := len(features[0])
	if width == 0 {
		return errors.New("feature rows are empty")
	}
	seen := [2]bool{}
	for i, row := range features {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
		if labels[i] != 0 && labels[i] != 1 {
			return fmt.Errorf("row %d has label %d, want 0 or 1", i, labels[i])
		}
		seen[labels[i]] = true
	}
	if !seen[0] || !seen[1] {
		return errors.New("training labels contain a single class")
	}
	return nil
}
