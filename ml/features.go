package ml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

const FeatureCount = 30

// FeatureNames is the column order every scaler and estimator is trained on.
// Request field names are mapped onto it; the order is never inferred from input.
var FeatureNames = [FeatureCount]string{
	"radius_mean", "texture_mean", "perimeter_mean", "area_mean",
	"smoothness_mean", "compactness_mean", "concavity_mean",
	"concave_points_mean", "symmetry_mean", "fractal_dimension_mean",
	"radius_se", "texture_se", "perimeter_se", "area_se",
	"smoothness_se", "compactness_se", "concavity_se",
	"concave_points_se", "symmetry_se", "fractal_dimension_se",
	"radius_worst", "texture_worst", "perimeter_worst", "area_worst",
	"smoothness_worst", "compactness_worst", "concavity_worst",
	"concave_points_worst", "symmetry_worst", "fractal_dimension_worst",
}

var featureIndex = func() map[string]int {
	index := make(map[string]int, FeatureCount)
	for i, name := range FeatureNames {
		index[name] = i
	}
	return index
}()

// FeatureVector holds the 30 measurements of one sample in FeatureNames order.
type FeatureVector [FeatureCount]float64

// NormalizeFeatureName maps CSV and legacy spellings ("concave points_mean") to FeatureNames.
func NormalizeFeatureName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(name, " ", "_")
}

// FeatureIndex returns the pinned position of a (normalized) feature name.
func FeatureIndex(name string) (int, bool) {
	i, ok := featureIndex[NormalizeFeatureName(name)]
	return i, ok
}

func (fv FeatureVector) Validate() error {
	for i, v := range fv {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidFeatureVector, FeatureNames[i])
		}
	}
	return nil
}

func (fv FeatureVector) Slice() []float64 {
	out := make([]float64, FeatureCount)
	copy(out, fv[:])
	return out
}

func (fv FeatureVector) Map() map[string]float64 {
	out := make(map[string]float64, FeatureCount)
	for i, name := range FeatureNames {
		out[name] = fv[i]
	}
	return out
}

func (fv FeatureVector) MarshalJSON() ([]byte, error) {
	return json.Marshal(fv.Map())
}

func (fv *FeatureVector) UnmarshalJSON(data []byte) error {
	parsed, err := ParseFeatureVector(data)
	if err != nil {
		return err
	}
	*fv = parsed
	return nil
}

func FeatureVectorFromSlice(values []float64) (FeatureVector, error) {
	var fv FeatureVector
	if len(values) != FeatureCount {
		return fv, fmt.Errorf("%w: got %d values, want %d", ErrInvalidFeatureVector, len(values), FeatureCount)
	}
	copy(fv[:], values)
	return fv, fv.Validate()
}

func FeatureVectorFromMap(values map[string]float64) (FeatureVector, error) {
	raw := make(map[string]any, len(values))
	for k, v := range values {
		raw[k] = v
	}
	return featureVectorFromObject(raw)
}

// ParseFeatureVector accepts either an object keyed by feature name or
// {"features": [...]} with 30 values in FeatureNames order.
func ParseFeatureVector(data []byte) (FeatureVector, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return FeatureVector{}, fmt.Errorf("%w: %v", ErrInvalidFeatureVector, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return FeatureVector{}, fmt.Errorf("%w: unexpected data after feature object", ErrInvalidFeatureVector)
	}
	object, ok := raw.(map[string]any)
	if !ok {
		return FeatureVector{}, fmt.Errorf("%w: expected a JSON object", ErrInvalidFeatureVector)
	}
	if list, ok := object["features"]; ok {
		if len(object) != 1 {
			return FeatureVector{}, fmt.Errorf("%w: \"features\" cannot be combined with named fields", ErrInvalidFeatureVector)
		}
		return featureVectorFromList(list)
	}
	return featureVectorFromObject(object)
}

func featureVectorFromList(raw any) (FeatureVector, error) {
	var fv FeatureVector
	list, ok := raw.([]any)
	if !ok {
		return fv, fmt.Errorf("%w: \"features\" must be an array", ErrInvalidFeatureVector)
	}
	if len(list) != FeatureCount {
		return fv, fmt.Errorf("%w: got %d values, want %d", ErrInvalidFeatureVector, len(list), FeatureCount)
	}
	for i, item := range list {
		v, err := featureValue(FeatureNames[i], item)
		if err != nil {
			return fv, err
		}
		fv[i] = v
	}
	return fv, nil
}

func featureVectorFromObject(object map[string]any) (FeatureVector, error) {
	var fv FeatureVector
	var seen [FeatureCount]bool
	keys := make([]string, 0, len(object))
	for k := range object {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		i, ok := FeatureIndex(key)
		if !ok {
			return fv, fmt.Errorf("%w: unknown field %q", ErrInvalidFeatureVector, key)
		}
		if seen[i] {
			return fv, fmt.Errorf("%w: field %s given more than once", ErrInvalidFeatureVector, FeatureNames[i])
		}
		v, err := featureValue(FeatureNames[i], object[key])
		if err != nil {
			return fv, err
		}
		fv[i] = v
		seen[i] = true
	}

	var missing []string
	for i, ok := range seen {
		if !ok {
			missing = append(missing, FeatureNames[i])
		}
	}
	if len(missing) > 0 {
		return fv, fmt.Errorf("%w: missing %d field(s): %s", ErrInvalidFeatureVector, len(missing), strings.Join(missing, ", "))
	}
	return fv, nil
}

func featureValue(name string, raw any) (float64, error) {
	var v float64
	switch n := raw.(type) {
	case json.Number:
		parsed, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s is not a finite number", ErrInvalidFeatureVector, name)
		}
		v = parsed
	case float64:
		v = n
	case nil:
		return 0, fmt.Errorf("%w: %s is null", ErrInvalidFeatureVector, name)
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidFeatureVector, name, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s is not finite", ErrInvalidFeatureVector, name)
	}
	return v, nil
}
