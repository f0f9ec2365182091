package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedPayload(t *testing.T, drop string, extra map[string]any) []byte {
	t.Helper()
	obj := make(map[string]any, FeatureCount)
	for i, name := range FeatureNames {
		if name == drop {
			continue
		}
		obj[name] = float64(i) + 0.5
	}
	for k, v := range extra {
		obj[k] = v
	}
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	return data
}

func TestFeatureNamesPinnedOrder(t *testing.T) {
	assert.Equal(t, "radius_mean", FeatureNames[0])
	assert.Equal(t, "fractal_dimension_mean", FeatureNames[9])
	assert.Equal(t, "radius_se", FeatureNames[10])
	assert.Equal(t, "concave_points_worst", FeatureNames[27])
	assert.Equal(t, "fractal_dimension_worst", FeatureNames[29])

	seen := map[string]bool{}
	for _, name := range FeatureNames {
		assert.False(t, seen[name], "duplicate %s", name)
		seen[name] = true
	}
}

func TestParseFeatureVectorNamed(t *testing.T) {
	fv, err := ParseFeatureVector(namedPayload(t, "", nil))
	require.NoError(t, err)
	for i := range fv {
		assert.Equal(t, float64(i)+0.5, fv[i], FeatureNames[i])
	}
}

func TestParseFeatureVectorCSVSpelling(t *testing.T) {
	payload := namedPayload(t, "concave_points_mean", map[string]any{"concave points_mean": 7.5})
	fv, err := ParseFeatureVector(payload)
	require.NoError(t, err)
	i, _ := FeatureIndex("concave_points_mean")
	assert.Equal(t, 7.5, fv[i])
}

func TestParseFeatureVectorList(t *testing.T) {
	values := make([]string, FeatureCount)
	for i := range values {
		values[i] = fmt.Sprintf("%d", i)
	}
	fv, err := ParseFeatureVector([]byte(`{"features":[` + strings.Join(values, ",") + `]}`))
	require.NoError(t, err)
	assert.Equal(t, 29.0, fv[29])
}

func TestParseFeatureVectorRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "missing one field", payload: namedPayload(t, "texture_worst", nil)},
		{name: "unknown field", payload: namedPayload(t, "", map[string]any{"patient_name": 1.0})},
		{name: "null value", payload: namedPayload(t, "", map[string]any{"area_mean": nil})},
		{name: "string value", payload: namedPayload(t, "", map[string]any{"area_mean": "1001"})},
		{name: "bool value", payload: namedPayload(t, "", map[string]any{"area_mean": true})},
		{name: "duplicate spelling", payload: namedPayload(t, "", map[string]any{"concave points_mean": 1.0})},
		{name: "not an object", payload: []byte(`[1,2,3]`)},
		{name: "malformed json", payload: []byte(`{"radius_mean":`)},
		{name: "trailing data", payload: append(namedPayload(t, "", nil), []byte(`{}`)...)},
		{name: "short list", payload: []byte(`{"features":[1,2,3]}`)},
		{name: "list mixed with names", payload: []byte(`{"features":[1],"radius_mean":1}`)},
		{name: "overflowing number", payload: namedPayload(t, "radius_mean", map[string]any{"radius_mean": json.Number("1e999")})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFeatureVector(tt.payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFeatureVector)
		})
	}
}

func TestParseFeatureVectorMissingNamesField(t *testing.T) {
	_, err := ParseFeatureVector(namedPayload(t, "symmetry_se", nil))
	require.ErrorIs(t, err, ErrInvalidFeatureVector)
	assert.Contains(t, err.Error(), "symmetry_se")
}

func TestFeatureVectorValidate(t *testing.T) {
	var fv FeatureVector
	require.NoError(t, fv.Validate())

	fv[3] = math.NaN()
	assert.ErrorIs(t, fv.Validate(), ErrInvalidFeatureVector)

	fv[3] = math.Inf(-1)
	assert.ErrorIs(t, fv.Validate(), ErrInvalidFeatureVector)
}

func TestFeatureVectorJSONRoundTrip(t *testing.T) {
	var fv FeatureVector
	for i := range fv {
		fv[i] = float64(i) * 1.5
	}
	data, err := json.Marshal(fv)
	require.NoError(t, err)

	var back FeatureVector
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, fv, back)
}

func TestFeatureVectorFromSlice(t *testing.T) {
	_, err := FeatureVectorFromSlice(make([]float64, 29))
	assert.ErrorIs(t, err, ErrInvalidFeatureVector)

	fv, err := FeatureVectorFromSlice(make([]float64, FeatureCount))
	require.NoError(t, err)
	assert.Len(t, fv.Slice(), FeatureCount)
}

func TestStandardScaler(t *testing.T) {
	s := &StandardScaler{}
	_, err := s.Transform([]float64{1})
	require.ErrorIs(t, err, ErrNotFitted)

	require.NoError(t, s.Fit([][]float64{{1, 5}, {3, 5}, {5, 5}}))
	assert.InDeltaSlice(t, []float64{3, 5}, s.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(8.0/3), s.Scale[0], 1e-12)
	assert.Equal(t, 1.0, s.Scale[1], "constant column keeps unit scale")

	out, err := s.Transform([]float64{3, 7})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 2}, out, 1e-12)

	_, err = s.Transform([]float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidFeatureVector)
}
