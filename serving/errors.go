package serving

import (
	"errors"
	"fmt"

	"oncoscope/ml"
)

var (
	ErrUnknownModel          = ml.ErrUnknownModel
	ErrInvalidFeatureVector  = ml.ErrInvalidFeatureVector
	ErrInvalidHyperparameter = ml.ErrInvalidHyperparameter
	ErrModelNotLoaded        = errors.New("model not loaded")
	ErrNoModelsAvailable     = errors.New("no models available")
	ErrRetrainFailed         = errors.New("retrain failed")
)

// Kind is the stable error category reported to API clients.
type Kind string

const (
	KindUnknownModel          Kind = "UnknownModel"
	KindModelNotLoaded        Kind = "ModelNotLoaded"
	KindInvalidFeatureVector  Kind = "InvalidFeatureVector"
	KindInvalidHyperparameter Kind = "InvalidHyperparameter"
	KindNoModelsAvailable     Kind = "NoModelsAvailable"
	KindRetrainFailed         Kind = "RetrainFailed"
	KindInternal              Kind = "Internal"
)

// Error attaches a kind and the model it concerns to an underlying error.
type Error struct {
	Kind  Kind
	Model ml.ModelID
	Err   error
}

func (e *Error) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s: %v", e.Model, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, id ml.ModelID, err error) *Error {
	return &Error{Kind: kind, Model: id, Err: err}
}

// KindOf classifies err. Retrain failures win over whatever caused them.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrRetrainFailed):
		return KindRetrainFailed
	case errors.Is(err, ErrUnknownModel):
		return KindUnknownModel
	case errors.Is(err, ErrModelNotLoaded):
		return KindModelNotLoaded
	case errors.Is(err, ErrInvalidFeatureVector):
		return KindInvalidFeatureVector
	case errors.Is(err, ErrInvalidHyperparameter):
		return KindInvalidHyperparameter
	case errors.Is(err, ErrNoModelsAvailable):
		return KindNoModelsAvailable
	default:
		return KindInternal
	}
}
