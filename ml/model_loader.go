package ml

import (
	"encoding/json"
	"fmt"
)

// NewEstimator builds an unfitted estimator for id from resolved hyperparameters.
func NewEstimator(id ModelID, hp Hyperparameters) (Estimator, error) {
	switch id {
	case Linear:
		return NewLinearRegression(hp), nil
	case Softmax:
		return NewSoftmaxRegression(hp), nil
	case MLP:
		return NewMLPClassifier(hp), nil
	case SVM:
		return NewSVC(hp), nil
	case KNNL1:
		return NewKNN(1, hp), nil
	case KNNL2:
		return NewKNN(2, hp), nil
	case GRUSVM:
		return NewGRUSVM(hp), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
}

// LoadEstimator decodes the fitted parameters written by a previous save.
func LoadEstimator(id ModelID, params []byte) (Estimator, error) {
	var model Estimator
	switch id {
	case Linear:
		model = &LinearRegression{}
	case Softmax:
		model = &SoftmaxRegression{}
	case MLP:
		model = &MLPClassifier{}
	case SVM:
		model = &SVC{}
	case KNNL1, KNNL2:
		model = &KNN{}
	case GRUSVM:
		model = &GRUSVMClassifier{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	if err := json.Unmarshal(params, model); err != nil {
		return nil, fmt.Errorf("decode %s parameters: %w", id, err)
	}
	return model, nil
}
