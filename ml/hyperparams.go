package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

const DefaultSeed = 42

type ParamKind string

const (
	KindFloat         ParamKind = "float"
	KindInt           ParamKind = "int"
	KindBool          ParamKind = "bool"
	KindIntList       ParamKind = "int_list"
	KindChoice        ParamKind = "choice"
	KindFloatOrChoice ParamKind = "float_or_choice"
)

type Bound struct {
	Value     float64 `json:"value"`
	Exclusive bool    `json:"exclusive,omitempty"`
}

func atLeast(v float64) *Bound { return &Bound{Value: v} }
func above(v float64) *Bound { return &Bound{Value: v, Exclusive: true} }
func atMost(v float64) *Bound { return &Bound{Value: v} }
func below(v float64) *Bound { return &Bound{Value: v, Exclusive: true} }

// ParamSpec describes one tunable hyperparameter and its legal domain.
type ParamSpec struct {
	Name    string    `json:"name"`
	Kind    ParamKind `json:"type"`
	Default any       `json:"default"`
	Min     *Bound    `json:"min,omitempty"`
	Max     *Bound    `json:"max,omitempty"`
	Choices []string  `json:"choices,omitempty"`
	MaxLen  int       `json:"max_len,omitempty"`
	Help    string    `json:"description,omitempty"`
}

type Schema []ParamSpec

func (s Schema) Lookup(name string) (ParamSpec, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

func (s Schema) Defaults() Hyperparameters {
	hp, err := s.Resolve(nil)
	if err != nil {
		// schemas are static; a default outside its own domain is a programming error
		panic(fmt.Sprintf("invalid hyperparameter defaults: %v", err))
	}
	return hp
}

// Resolve applies overrides on top of the defaults. Unknown names, wrong types
// and out-of-domain values are rejected; strings are never parsed as numbers.
func (s Schema) Resolve(overrides map[string]any) (Hyperparameters, error) {
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := s.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: unknown hyperparameter %q", ErrInvalidHyperparameter, name)
		}
	}

	hp := make(Hyperparameters, len(s))
	for _, spec := range s {
		raw, ok := overrides[spec.Name]
		if !ok {
			raw = spec.Default
		}
		v, err := spec.coerce(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHyperparameter, spec.Name, err)
		}
		hp[spec.Name] = v
	}
	return hp, nil
}

func (p ParamSpec) coerce(raw any) (any, error) {
	switch p.Kind {
	case KindFloat:
		v, err := toFloat(raw)
		if err != nil {
			return nil, err
		}
		return v, p.checkBounds(v)
	case KindInt:
		v, err := toInt(raw)
		if err != nil {
			return nil, err
		}
		return v, p.checkBounds(float64(v))
	case KindBool:
		v, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("must be a boolean, got %s", typeName(raw))
		}
		return v, nil
	case KindIntList:
		return p.coerceIntList(raw)
	case KindChoice:
		v, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("must be one of %v, got %s", p.Choices, typeName(raw))
		}
		return v, p.checkChoice(v)
	case KindFloatOrChoice:
		if v, ok := raw.(string); ok {
			return v, p.checkChoice(v)
		}
		v, err := toFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("must be one of %v or a number, got %s", p.Choices, typeName(raw))
		}
		return v, p.checkBounds(v)
	default:
		return nil, fmt.Errorf("unsupported kind %q", p.Kind)
	}
}

func (p ParamSpec) coerceIntList(raw any) ([]int, error) {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []int:
		for _, n := range v {
			items = append(items, n)
		}
	case []float64:
		for _, n := range v {
			items = append(items, n)
		}
	default:
		// a bare integer means a single layer
		n, err := toInt(raw)
		if err != nil {
			return nil, fmt.Errorf("must be a list of integers, got %s", typeName(raw))
		}
		items = []any{n}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("must not be empty")
	}
	if p.MaxLen > 0 && len(items) > p.MaxLen {
		return nil, fmt.Errorf("at most %d entries allowed, got %d", p.MaxLen, len(items))
	}
	out := make([]int, len(items))
	for i, item := range items {
		n, err := toInt(item)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %v", i, err)
		}
		if err := p.checkBounds(float64(n)); err != nil {
			return nil, fmt.Errorf("entry %d: %v", i, err)
		}
		out[i] = n
	}
	return out, nil
}

func (p ParamSpec) checkBounds(v float64) error {
	if p.Min != nil {
		if p.Min.Exclusive && v <= p.Min.Value {
			return fmt.Errorf("must be > %g, got %g", p.Min.Value, v)
		}
		if !p.Min.Exclusive && v < p.Min.Value {
			return fmt.Errorf("must be >= %g, got %g", p.Min.Value, v)
		}
	}
	if p.Max != nil {
		if p.Max.Exclusive && v >= p.Max.Value {
			return fmt.Errorf("must be < %g, got %g", p.Max.Value, v)
		}
		if !p.Max.Exclusive && v > p.Max.Value {
			return fmt.Errorf("must be <= %g, got %g", p.Max.Value, v)
		}
	}
	return nil
}

func (p ParamSpec) checkChoice(v string) error {
	for _, c := range p.Choices {
		if v == c {
			return nil
		}
	}
	return fmt.Errorf("must be one of %v, got %q", p.Choices, v)
}

func toFloat(raw any) (float64, error) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		parsed, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0, fmt.Errorf("must be a number, got %q", n.String())
		}
		v = parsed
	default:
		return 0, fmt.Errorf("must be a number, got %s", typeName(raw))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("must be finite")
	}
	return v, nil
}

func toInt(raw any) (int, error) {
	switch n := raw.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	}
	v, err := toFloat(raw)
	if err != nil {
		return 0, fmt.Errorf("must be an integer, got %s", typeName(raw))
	}
	if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
		return 0, fmt.Errorf("must be an integer, got %g", v)
	}
	return int(v), nil
}

func typeName(raw any) string {
	switch raw.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any, []int, []float64:
		return "array"
	case map[string]any:
		return "object"
	case float64, float32, int, int64, json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", raw)
	}
}

// Hyperparameters is a resolved, fully populated configuration for one estimator.
type Hyperparameters map[string]any

func (hp Hyperparameters) Float(name string) float64 {
	v, _ := toFloat(hp[name])
	return v
}

func (hp Hyperparameters) Int(name string) int {
	v, _ := toInt(hp[name])
	return v
}

func (hp Hyperparameters) Bool(name string) bool {
	v, _ := hp[name].(bool)
	return v
}

func (hp Hyperparameters) Choice(name string) string {
	v, _ := hp[name].(string)
	return v
}

func (hp Hyperparameters) IntList(name string) []int {
	v, _ := hp[name].([]int)
	return append([]int(nil), v...)
}

func (hp Hyperparameters) Clone() Hyperparameters {
	out := make(Hyperparameters, len(hp))
	for k, v := range hp {
		if list, ok := v.([]int); ok {
			v = append([]int(nil), list...)
		}
		out[k] = v
	}
	return out
}

var randomState = ParamSpec{Name: "random_state", Kind: KindInt, Default: DefaultSeed, Min: atLeast(0), Help: "seed for weight init and shuffling"}

var schemas = map[ModelID]Schema{
	Linear: {
		{Name: "eta0", Kind: KindFloat, Default: 1e-3, Min: above(0), Max: atMost(10), Help: "constant learning rate"},
		{Name: "max_iter", Kind: KindInt, Default: 3000, Min: atLeast(1), Max: atMost(100000), Help: "maximum passes over the training data"},
		{Name: "tol", Kind: KindFloat, Default: 1e-3, Min: atLeast(0), Help: "stopping tolerance on the training loss"},
		{Name: "alpha", Kind: KindFloat, Default: 0.0, Min: atLeast(0), Help: "L2 penalty"},
		randomState,
	},
	Softmax: {
		{Name: "eta0", Kind: KindFloat, Default: 1e-3, Min: above(0), Max: atMost(10), Help: "constant learning rate"},
		{Name: "max_iter", Kind: KindInt, Default: 3000, Min: atLeast(1), Max: atMost(100000), Help: "maximum passes over the training data"},
		{Name: "tol", Kind: KindFloat, Default: 1e-3, Min: atLeast(0), Help: "stopping tolerance on the training loss"},
		{Name: "alpha", Kind: KindFloat, Default: 1e-4, Min: atLeast(0), Help: "L2 penalty"},
		randomState,
	},
	MLP: {
		{Name: "hidden_layer_sizes", Kind: KindIntList, Default: []int{100, 50}, Min: atLeast(1), Max: atMost(1024), MaxLen: 4, Help: "neurons per hidden layer"},
		{Name: "learning_rate_init", Kind: KindFloat, Default: 1e-2, Min: above(0), Max: atMost(1), Help: "Adam step size"},
		{Name: "alpha", Kind: KindFloat, Default: 1e-2, Min: atLeast(0), Help: "L2 penalty"},
		{Name: "max_iter", Kind: KindInt, Default: 300, Min: atLeast(1), Max: atMost(10000), Help: "maximum epochs"},
		{Name: "batch_size", Kind: KindInt, Default: 32, Min: atLeast(1), Help: "mini-batch size"},
		{Name: "early_stopping", Kind: KindBool, Default: true, Help: "hold out a validation fraction and stop when its loss stalls"},
		{Name: "validation_fraction", Kind: KindFloat, Default: 0.1, Min: above(0), Max: below(0.5), Help: "share of training rows held out for early stopping"},
		{Name: "n_iter_no_change", Kind: KindInt, Default: 10, Min: atLeast(1), Help: "epochs without improvement before stopping"},
		randomState,
	},
	SVM: {
		{Name: "C", Kind: KindFloat, Default: 5.0, Min: above(0), Help: "soft-margin penalty"},
		{Name: "kernel", Kind: KindChoice, Default: "rbf", Choices: []string{"rbf", "linear"}, Help: "kernel function"},
		{Name: "gamma", Kind: KindFloatOrChoice, Default: "scale", Choices: []string{"scale", "auto"}, Min: above(0), Help: "RBF kernel coefficient"},
		{Name: "tol", Kind: KindFloat, Default: 1e-3, Min: above(0), Help: "KKT violation tolerance"},
		{Name: "max_iter", Kind: KindInt, Default: 100000, Min: atLeast(1), Help: "maximum SMO working-set steps"},
	},
	KNNL1: knnSchema(),
	KNNL2: knnSchema(),
	GRUSVM: {
		{Name: "units", Kind: KindInt, Default: 48, Min: atLeast(1), Max: atMost(256), Help: "GRU hidden units"},
		{Name: "dense_units", Kind: KindInt, Default: 24, Min: atLeast(1), Max: atMost(256), Help: "dense layer width, also the SVM feature size"},
		{Name: "learning_rate", Kind: KindFloat, Default: 5e-4, Min: above(0), Max: atMost(1), Help: "Adam step size"},
		{Name: "epochs", Kind: KindInt, Default: 300, Min: atLeast(1), Max: atMost(10000), Help: "maximum epochs"},
		{Name: "batch_size", Kind: KindInt, Default: 64, Min: atLeast(1), Help: "mini-batch size"},
		{Name: "patience", Kind: KindInt, Default: 20, Min: atLeast(1), Help: "epochs without validation improvement before stopping"},
		{Name: "validation_split", Kind: KindFloat, Default: 0.2, Min: above(0), Max: below(0.5), Help: "share of training rows held out for early stopping"},
		{Name: "l2", Kind: KindFloat, Default: 0.01, Min: atLeast(0), Help: "L2 penalty on recurrent and dense weights"},
		{Name: "svm_C", Kind: KindFloat, Default: 5.0, Min: above(0), Help: "soft-margin penalty of the SVM head"},
		randomState,
	},
}

func knnSchema() Schema {
	return Schema{
		{Name: "n_neighbors", Kind: KindInt, Default: 1, Min: atLeast(1), Max: atMost(50), Help: "neighbors consulted per prediction"},
		{Name: "weights", Kind: KindChoice, Default: "distance", Choices: []string{"uniform", "distance"}, Help: "vote weighting"},
	}
}

func SchemaFor(id ModelID) (Schema, error) {
	s, ok := schemas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return s, nil
}

// ResolveHyperparameters validates overrides for id and fills in defaults.
func ResolveHyperparameters(id ModelID, overrides map[string]any) (Hyperparameters, error) {
	s, err := SchemaFor(id)
	if err != nil {
		return nil, err
	}
	return s.Resolve(overrides)
}

// MustDefaults returns the default hyperparameters of a known model id.
func MustDefaults(id ModelID) Hyperparameters {
	s, err := SchemaFor(id)
	if err != nil {
		panic(err)
	}
	return s.Defaults()
}
