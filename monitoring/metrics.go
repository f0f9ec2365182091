package monitoring

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"oncoscope/serving"
)

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
	MetricTypeSummary MetricType = "summary"
)

// Metric 单个时间序列的当前值，用于JSON视图
type Metric struct {
	Name   string            `json:"name"`
	Type   MetricType        `json:"type"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
	// 仅summary：观测次数与总和，Value为均值
	Count int64   `json:"count,omitempty"`
	Sum   float64 `json:"sum,omitempty"`
}

// MetricsCollector 指标收集器，底层是独立的prometheus.Registry。
// 指标族在第一次写入时按标签名创建，之后标签名不一致的写入被丢弃。
type MetricsCollector struct {
	registry *prometheus.Registry
	handler  http.Handler

	mu        sync.Mutex
	counters  map[string]*prometheus.CounterVec
	gauges    map[string]*prometheus.GaugeVec
	summaries map[string]*prometheus.SummaryVec
	startTime time.Time
}

// NewMetricsCollector 创建指标收集器，附带Go运行时与进程指标
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &MetricsCollector{
		registry: reg,
		// 压缩由HTTP中间件负责
		handler:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{DisableCompression: true}),
		counters:  make(map[string]*prometheus.CounterVec),
		gauges:    make(map[string]*prometheus.GaugeVec),
		summaries: make(map[string]*prometheus.SummaryVec),
		startTime: time.Now(),
	}
}

// Registry 返回底层注册表
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func helpOr(name, help string) string {
	if help == "" {
		return "Metric " + name
	}
	return help
}

// family 返回name对应的指标族，不存在时创建并注册；与已注册指标冲突时返回false
func family[V prometheus.Collector](mc *MetricsCollector, families map[string]V, name string, build func() V) (V, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if v, ok := families[name]; ok {
		return v, true
	}
	v := build()
	if err := mc.registry.Register(v); err != nil {
		var zero V
		return zero, false
	}
	families[name] = v
	return v, true
}

// IncrCounter 增加计数器，负值被忽略
func (mc *MetricsCollector) IncrCounter(name, help string, value float64, labels map[string]string) {
	if value < 0 {
		return
	}
	vec, ok := family(mc, mc.counters, name, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpOr(name, help)}, labelNames(labels))
	})
	if !ok {
		return
	}
	if c, err := vec.GetMetricWith(labels); err == nil {
		c.Add(value)
	}
}

// SetGauge 设置仪表
func (mc *MetricsCollector) SetGauge(name, help string, value float64, labels map[string]string) {
	vec, ok := family(mc, mc.gauges, name, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: helpOr(name, help)}, labelNames(labels))
	})
	if !ok {
		return
	}
	if g, err := vec.GetMetricWith(labels); err == nil {
		g.Set(value)
	}
}

// Observe 记录一次观测（如耗时秒数），导出为summary的_count与_sum
func (mc *MetricsCollector) Observe(name, help string, value float64, labels map[string]string) {
	vec, ok := family(mc, mc.summaries, name, func() *prometheus.SummaryVec {
		return prometheus.NewSummaryVec(prometheus.SummaryOpts{Name: name, Help: helpOr(name, help)}, labelNames(labels))
	})
	if !ok {
		return
	}
	if o, err := vec.GetMetricWith(labels); err == nil {
		o.Observe(value)
	}
}

// GaugeFunc 注册在导出时求值的仪表；重复注册同名指标会panic
func (mc *MetricsCollector) GaugeFunc(name, help string, fn func() float64) {
	mc.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: helpOr(name, help)}, fn))
}

// Publish 统计重训练事件；与Hub一起挂在Retrainer的事件出口上
func (mc *MetricsCollector) Publish(eventType string, data any) {
	ev, ok := data.(serving.RetrainEvent)
	if !ok {
		return
	}
	labels := map[string]string{"model": string(ev.Model)}
	switch eventType {
	case serving.EventRetrainCompleted:
		mc.IncrCounter("oncoscope_retrains_total", "Retrain attempts by outcome", 1,
			map[string]string{"model": string(ev.Model), "status": "completed"})
		mc.Observe("oncoscope_retrain_seconds", "Retrain wall time", ev.TrainingTime, labels)
		if ev.Metrics != nil {
			mc.SetGauge("oncoscope_model_accuracy", "Held-out accuracy of the served fit", ev.Metrics.Accuracy, labels)
			mc.SetGauge("oncoscope_model_roc_auc", "Held-out ROC-AUC of the served fit", ev.Metrics.ROCAUC, labels)
		}
	case serving.EventRetrainFailed:
		mc.IncrCounter("oncoscope_retrains_total", "Retrain attempts by outcome", 1,
			map[string]string{"model": string(ev.Model), "status": "failed"})
	}
}

// Snapshot 从注册表收集所有计数器、仪表与summary，按名称和标签排序。
// 非有限值与其他类型（如直方图）不出现在结果中。
func (mc *MetricsCollector) Snapshot() ([]Metric, error) {
	families, err := mc.registry.Gather()
	var out []Metric
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			metric := Metric{Name: mf.GetName()}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				metric.Type = MetricTypeCounter
				metric.Value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				metric.Type = MetricTypeGauge
				metric.Value = m.GetGauge().GetValue()
			case dto.MetricType_SUMMARY:
				s := m.GetSummary()
				metric.Type = MetricTypeSummary
				metric.Count = int64(s.GetSampleCount())
				metric.Sum = s.GetSampleSum()
				if metric.Count > 0 {
					metric.Value = metric.Sum / float64(metric.Count)
				}
			default:
				continue
			}
			if math.IsNaN(metric.Value) || math.IsInf(metric.Value, 0) {
				continue
			}
			if pairs := m.GetLabel(); len(pairs) > 0 {
				metric.Labels = make(map[string]string, len(pairs))
				for _, lp := range pairs {
					metric.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			out = append(out, metric)
		}
	}
	return out, err
}

// WritePrometheus 以Prometheus文本格式写出全部指标
func (mc *MetricsCollector) WritePrometheus(w io.Writer) error {
	families, err := mc.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// GetUptime 获取运行时间
func (mc *MetricsCollector) GetUptime() time.Duration {
	return time.Since(mc.startTime)
}

// GetSystemStats 获取系统统计
func (mc *MetricsCollector) GetSystemStats() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]any{
		"uptime":     mc.GetUptime().String(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]any{
			"alloc":        m.Alloc,
			"sys":          m.Sys,
			"heap_alloc":   m.HeapAlloc,
			"heap_inuse":   m.HeapInuse,
			"heap_objects": m.HeapObjects,
			"gc_count":     m.NumGC,
			"gc_pause_ns":  m.PauseTotalNs,
		},
		"num_cpu": runtime.NumCPU(),
	}
}

// ServeHTTP 默认交给promhttp按Accept协商输出；?format=json输出指标与系统统计
func (mc *MetricsCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") != "json" {
		mc.handler.ServeHTTP(w, r)
		return
	}
	metrics, err := mc.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"metrics": metrics,
		"system":  mc.GetSystemStats(),
	})
}

// Publishers 把同一事件分发给多个订阅者
type Publishers []serving.EventPublisher

func (ps Publishers) Publish(eventType string, data any) {
	for _, p := range ps {
		p.Publish(eventType, data)
	}
}
