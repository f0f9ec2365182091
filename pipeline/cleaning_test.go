package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func values(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestNewDataCleaner(t *testing.T) {
	cleaner := NewDataCleaner(3, nil)
	require.NotNil(t, cleaner)
	assert.NotEmpty(t, cleaner.rules, "no default rules added")
}

func TestDiagnosisRule(t *testing.T) {
	rule := NewDiagnosisRule()

	tests := []struct {
		name      string
		diagnosis string
		wantLabel int
		wantErr   bool
	}{
		{name: "malignant", diagnosis: "M", wantLabel: 1},
		{name: "benign", diagnosis: "B", wantLabel: 0},
		{name: "lower case with spaces", diagnosis: " m ", wantLabel: 1},
		{name: "unknown", diagnosis: "X", wantErr: true},
		{name: "empty", diagnosis: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := rule.Apply(&Record{Diagnosis: tt.diagnosis})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabel, out.Label)
		})
	}
}

func TestValueRules(t *testing.T) {
	tests := []struct {
		name    string
		rule    CleaningRule
		values  []float64
		wantErr bool
	}{
		{name: "finite ok", rule: NewFiniteValueRule(), values: []float64{1, 2, 3}},
		{name: "nan", rule: NewFiniteValueRule(), values: []float64{1, math.NaN(), 3}, wantErr: true},
		{name: "inf", rule: NewFiniteValueRule(), values: []float64{math.Inf(1)}, wantErr: true},
		{name: "non negative ok", rule: NewNonNegativeRule(), values: []float64{0, 0.5}},
		{name: "negative", rule: NewNonNegativeRule(), values: []float64{0.1, -0.2}, wantErr: true},
		{name: "width ok", rule: NewWidthRule(2), values: []float64{1, 2}},
		{name: "width short", rule: NewWidthRule(2), values: []float64{1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.rule.Apply(&Record{Values: tt.values})
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestDataCleanerClean(t *testing.T) {
	cleaner := NewDataCleaner(3, nil)

	records := []*Record{
		{Line: 2, ID: "1", Diagnosis: "M", Values: values(3, 1)},
		{Line: 3, ID: "2", Diagnosis: "b", Values: values(3, 2)},
		{Line: 4, ID: "1", Diagnosis: "B", Values: values(3, 3)},
		{Line: 5, ID: "3", Diagnosis: "B", Values: []float64{1, -1, 1}},
		{Line: 6, ID: "4", Diagnosis: "?", Values: values(3, 1)},
	}

	cleaned, issues := cleaner.Clean(records)
	require.Len(t, cleaned, 2)
	require.Len(t, issues, 3)

	assert.Equal(t, 1, cleaned[0].Label)
	assert.Equal(t, 0, cleaned[1].Label)
	assert.Equal(t, "B", cleaned[1].Diagnosis)

	assert.Equal(t, "duplicate_id", issues[0].Type)
	assert.Equal(t, 4, issues[0].Line)
	assert.Equal(t, "non_negative", issues[1].Type)
	assert.Equal(t, "diagnosis", issues[2].Type)

	stats := cleaner.GetStats()
	assert.EqualValues(t, 5, stats.TotalProcessed)
	assert.EqualValues(t, 2, stats.Passed)
	assert.EqualValues(t, 3, stats.Rejected)
	assert.EqualValues(t, 1, stats.Corrected)
	assert.EqualValues(t, 1, stats.Issues["duplicate_id"])
}

func TestDataCleanerResetsDuplicatesPerRun(t *testing.T) {
	cleaner := NewDataCleaner(1, nil)
	records := []*Record{{Line: 2, ID: "42", Diagnosis: "M", Values: []float64{1}}}

	first, issues := cleaner.Clean(records)
	require.Len(t, first, 1)
	require.Empty(t, issues)

	second, issues := cleaner.Clean(records)
	assert.Len(t, second, 1)
	assert.Empty(t, issues)
}

func TestGetIssues(t *testing.T) {
	cleaner := NewDataCleaner(1, nil)
	cleaner.Clean([]*Record{
		{Line: 2, Diagnosis: "?", Values: []float64{1}},
		{Line: 3, Diagnosis: "?", Values: []float64{1}},
		{Line: 4, Diagnosis: "?", Values: []float64{1}},
	})

	assert.Len(t, cleaner.GetIssues(0), 3)
	latest := cleaner.GetIssues(2)
	require.Len(t, latest, 2)
	assert.Equal(t, 4, latest[1].Line)

	cleaner.ClearIssues()
	assert.Empty(t, cleaner.GetIssues(0))
}

func TestOutlierDetector(t *testing.T) {
	var records []*Record
	for i := 0; i < 50; i++ {
		records = append(records, &Record{Line: i + 2, Values: []float64{10 + float64(i%3), 1}})
	}
	records = append(records, &Record{Line: 99, ID: "odd", Values: []float64{500, 1}})

	issues := NewOutlierDetector(5).Detect(records, []string{"radius_mean", "texture_mean"})
	require.Len(t, issues, 1)
	assert.Equal(t, "odd", issues[0].SampleID)
	assert.Equal(t, "low", issues[0].Severity)
	assert.Contains(t, issues[0].Message, "radius_mean")
}

func TestMedianOf(t *testing.T) {
	assert.Equal(t, 2.0, medianOf([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, medianOf([]float64{4, 1, 2, 3}))
	assert.Equal(t, 0.0, medianOf(nil))
}
