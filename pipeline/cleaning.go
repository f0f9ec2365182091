package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record 数据集中的一行样本
type Record struct {
	Line      int       `json:"line"`
	ID        string    `json:"id"`
	Diagnosis string    `json:"diagnosis"`
	Label     int       `json:"label"`
	Values    []float64 `json:"values"`
}

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(*Record) (*Record, error)
	Name() string
}

// resettable rules keep state across records of one Clean call
type resettable interface {
	Reset()
}

// QualityIssue 质量问题
type QualityIssue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"` // low, high
	Message  string `json:"message"`
	Line     int    `json:"line"`
	SampleID string `json:"sample_id"`
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	rules  []CleaningRule
	logger *zap.Logger

	issues     []QualityIssue
	issuesLock sync.RWMutex

	stats     CleaningStats
	statsLock sync.RWMutex
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Corrected      int64            `json:"corrected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// NewDataCleaner 创建数据清洗器, width 为每行应有的测量值个数
func NewDataCleaner(width int, logger *zap.Logger) *DataCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaner := &DataCleaner{
		logger: logger.Named("cleaner"),
		stats: CleaningStats{
			Issues: make(map[string]int64),
		},
	}

	// 添加默认规则
	cleaner.AddRule(NewDiagnosisRule())
	cleaner.AddRule(NewWidthRule(width))
	cleaner.AddRule(NewFiniteValueRule())
	cleaner.AddRule(NewNonNegativeRule())
	cleaner.AddRule(NewDuplicateIDRule())

	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
	dc.logger.Debug("added cleaning rule", zap.String("rule", rule.Name()))
}

// Clean 清洗数据. 有问题的行被拒绝并报告, 不会被静默丢弃.
func (dc *DataCleaner) Clean(records []*Record) ([]*Record, []QualityIssue) {
	var cleaned []*Record
	var issues []QualityIssue

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	for _, rule := range dc.rules {
		if r, ok := rule.(resettable); ok {
			r.Reset()
		}
	}

	for _, record := range records {
		dc.stats.TotalProcessed++

		original := *record
		var recordIssues []QualityIssue

		for _, rule := range dc.rules {
			cleanedRecord, err := rule.Apply(record)
			if err != nil {
				recordIssues = append(recordIssues, QualityIssue{
					Type:     rule.Name(),
					Severity: "high",
					Message:  err.Error(),
					Line:     record.Line,
					SampleID: record.ID,
				})
				dc.stats.Issues[rule.Name()]++
				// later rules assume earlier ones passed
				break
			}
			if cleanedRecord != nil {
				record = cleanedRecord
			}
		}

		if len(recordIssues) > 0 {
			dc.stats.Rejected++
			issues = append(issues, recordIssues...)
			continue
		}
		if original.Diagnosis != record.Diagnosis {
			dc.stats.Corrected++
		}
		dc.stats.Passed++
		cleaned = append(cleaned, record)
	}
	dc.stats.LastClean = time.Now()

	dc.issuesLock.Lock()
	dc.issues = append(dc.issues, issues...)
	dc.issuesLock.Unlock()

	if len(issues) > 0 {
		dc.logger.Warn("rejected dataset rows",
			zap.Int("rejected", len(issues)),
			zap.Int("passed", len(cleaned)))
	}
	return cleaned, issues
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// GetIssues 获取最近的问题列表
func (dc *DataCleaner) GetIssues(limit int) []QualityIssue {
	dc.issuesLock.RLock()
	defer dc.issuesLock.RUnlock()

	if limit <= 0 || limit > len(dc.issues) {
		limit = len(dc.issues)
	}

	issues := make([]QualityIssue, limit)
	copy(issues, dc.issues[len(dc.issues)-limit:])
	return issues
}

// ClearIssues 清空问题列表
func (dc *DataCleaner) ClearIssues() {
	dc.issuesLock.Lock()
	defer dc.issuesLock.Unlock()

	dc.issues = nil
}

// ============ 清洗规则实现 ============

// DiagnosisRule 诊断标签规则: M 为恶性(1), B 为良性(0)
type DiagnosisRule struct{}

func NewDiagnosisRule() *DiagnosisRule {
	return &DiagnosisRule{}
}

func (r *DiagnosisRule) Name() string {
	return "diagnosis"
}

func (r *DiagnosisRule) Apply(record *Record) (*Record, error) {
	normalized := strings.ToUpper(strings.TrimSpace(record.Diagnosis))
	out := *record
	out.Diagnosis = normalized
	switch normalized {
	case "M":
		out.Label = 1
	case "B":
		out.Label = 0
	default:
		return nil, fmt.Errorf("diagnosis %q is neither M nor B", record.Diagnosis)
	}
	return &out, nil
}

// WidthRule 列数检查
type WidthRule struct {
	Width int
}

func NewWidthRule(width int) *WidthRule {
	return &WidthRule{Width: width}
}

func (r *WidthRule) Name() string {
	return "width"
}

func (r *WidthRule) Apply(record *Record) (*Record, error) {
	if r.Width > 0 && len(record.Values) != r.Width {
		return nil, fmt.Errorf("row has %d measurements, want %d", len(record.Values), r.Width)
	}
	return record, nil
}

// FiniteValueRule 数值必须有限
type FiniteValueRule struct{}

func NewFiniteValueRule() *FiniteValueRule {
	return &FiniteValueRule{}
}

func (r *FiniteValueRule) Name() string {
	return "finite_value"
}

func (r *FiniteValueRule) Apply(record *Record) (*Record, error) {
	for i, v := range record.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("measurement %d is not finite", i)
		}
	}
	return record, nil
}

// NonNegativeRule 形态测量值不能为负
type NonNegativeRule struct{}

func NewNonNegativeRule() *NonNegativeRule {
	return &NonNegativeRule{}
}

func (r *NonNegativeRule) Name() string {
	return "non_negative"
}

func (r *NonNegativeRule) Apply(record *Record) (*Record, error) {
	for i, v := range record.Values {
		if v < 0 {
			return nil, fmt.Errorf("measurement %d is negative (%g)", i, v)
		}
	}
	return record, nil
}

// DuplicateIDRule 重复样本检测
type DuplicateIDRule struct {
	seen map[string]int
	mu   sync.Mutex
}

func NewDuplicateIDRule() *DuplicateIDRule {
	return &DuplicateIDRule{seen: make(map[string]int)}
}

func (r *DuplicateIDRule) Name() string {
	return "duplicate_id"
}

func (r *DuplicateIDRule) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = make(map[string]int)
}

func (r *DuplicateIDRule) Apply(record *Record) (*Record, error) {
	if record.ID == "" {
		return record, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if line, exists := r.seen[record.ID]; exists {
		return nil, fmt.Errorf("sample %s already seen on line %d", record.ID, line)
	}
	r.seen[record.ID] = record.Line
	return record, nil
}

// OutlierDetector 统计异常值检测, 只报告不拒绝
type OutlierDetector struct {
	Threshold float64
}

func NewOutlierDetector(threshold float64) *OutlierDetector {
	if threshold <= 0 {
		threshold = 6.0
	}
	return &OutlierDetector{Threshold: threshold}
}

// Detect 返回偏离列中位数超过 Threshold 个标准差的测量值
func (od *OutlierDetector) Detect(records []*Record, names []string) []QualityIssue {
	if len(records) == 0 {
		return nil
	}
	width := len(records[0].Values)
	var issues []QualityIssue
	column := make([]float64, len(records))
	for j := 0; j < width; j++ {
		for i, rec := range records {
			column[i] = rec.Values[j]
		}
		_, stdDev := meanStdDev(column)
		if stdDev == 0 {
			continue
		}
		median := medianOf(column)
		for _, rec := range records {
			z := math.Abs(rec.Values[j]-median) / stdDev
			if z <= od.Threshold {
				continue
			}
			name := fmt.Sprintf("measurement %d", j)
			if j < len(names) {
				name = names[j]
			}
			issues = append(issues, QualityIssue{
				Type:     "outlier",
				Severity: "low",
				Message:  fmt.Sprintf("%s = %g is %.1f std devs from the median", name, rec.Values[j], z),
				Line:     rec.Line,
				SampleID: rec.ID,
			})
		}
	}
	return issues
}

// meanStdDev 计算均值和标准差
func meanStdDev(values []float64) (float64, float64) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(n)

	return mean, math.Sqrt(variance)
}

// medianOf 计算中位数
func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2.0
	}
	return sorted[n/2]
}
