package ml

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"oncoscope/pipeline"
)

// outlier flags are informational only
const outlierThreshold = 8.0

// Dataset is the cleaned labelled sample set. Rows of X follow FeatureNames.
type Dataset struct {
	IDs    []string
	X      [][]float64
	Y      []int
	Issues []pipeline.QualityIssue
}

func (d *Dataset) Len() int {
	return len(d.Y)
}

// ClassCounts returns the number of benign and malignant rows.
func (d *Dataset) ClassCounts() [2]int {
	var counts [2]int
	for _, y := range d.Y {
		counts[y]++
	}
	return counts
}

// DatasetSource supplies the canonical training data to the retrainer.
type DatasetSource interface {
	Load(ctx context.Context) (*Dataset, error)
}

// CSVSource reads the WDBC csv (id, diagnosis, 30 measurement columns) from disk.
type CSVSource struct {
	Path   string
	Logger *zap.Logger
}

func (s CSVSource) Load(ctx context.Context) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	d, err := ReadCSV(f, s.Logger)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", s.Path, err)
	}
	return d, nil
}

// ReadCSV parses a headered WDBC csv. Column order is taken from the header and
// unknown columns are ignored. Rows failing the cleaning rules are reported in
// Dataset.Issues instead of being loaded.
func ReadCSV(r io.Reader, logger *zap.Logger) (*Dataset, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// tolerate a UTF-8 byte order mark written by spreadsheet exports
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("dataset is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idCol, diagCol := -1, -1
	var featureCols [FeatureCount]int
	for i := range featureCols {
		featureCols[i] = -1
	}
	for col, name := range header {
		switch normalized := NormalizeFeatureName(name); normalized {
		case "id":
			idCol = col
		case "diagnosis":
			diagCol = col
		default:
			if i, ok := FeatureIndex(normalized); ok {
				featureCols[i] = col
			}
		}
	}
	if diagCol < 0 {
		return nil, errors.New("header has no diagnosis column")
	}
	var missing []string
	for i, col := range featureCols {
		if col < 0 {
			missing = append(missing, FeatureNames[i])
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("header is missing %s", strings.Join(missing, ", "))
	}

	var records []*pipeline.Record
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		records = append(records, &pipeline.Record{
			Line:      line,
			ID:        field(row, idCol),
			Diagnosis: field(row, diagCol),
			Values:    parseMeasurements(row, featureCols),
		})
	}

	cleaner := pipeline.NewDataCleaner(FeatureCount, logger)
	cleaned, issues := cleaner.Clean(records)
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("no usable rows (%d rejected)", len(issues))
	}

	d := &Dataset{Issues: issues}
	for _, rec := range cleaned {
		d.IDs = append(d.IDs, rec.ID)
		d.X = append(d.X, rec.Values)
		d.Y = append(d.Y, rec.Label)
	}
	outliers := pipeline.NewOutlierDetector(outlierThreshold).Detect(cleaned, FeatureNames[:])
	d.Issues = append(d.Issues, outliers...)

	counts := d.ClassCounts()
	logger.Info("dataset loaded",
		zap.Int("rows", d.Len()),
		zap.Int("benign", counts[0]),
		zap.Int("malignant", counts[1]),
		zap.Int("rejected", len(issues)),
		zap.Int("outliers", len(outliers)))
	return d, nil
}

func field(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// parseMeasurements maps unparseable or absent cells to NaN so the cleaner rejects the row.
func parseMeasurements(row []string, cols [FeatureCount]int) []float64 {
	values := make([]float64, FeatureCount)
	for i, col := range cols {
		v, err := strconv.ParseFloat(field(row, col), 64)
		if err != nil {
			v = math.NaN()
		}
		values[i] = v
	}
	return values
}
