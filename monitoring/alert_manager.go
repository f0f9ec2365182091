package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"oncoscope/ml"
	"oncoscope/serving"
)

// EventAlert 告警在事件流中的类型
const EventAlert = "alert"

// AlertLevel 告警级别
type AlertLevel string

const (
	Warning  AlertLevel = "warning"
	Critical AlertLevel = "critical"
)

// 告警规则
const (
	RuleRetrainFailed = "retrain_failed"
	RuleLowAccuracy   = "low_accuracy"
	RuleAccuracyDrop  = "accuracy_drop"
)

// Alert 告警结构
type Alert struct {
	ID         string     `json:"id"`
	Level      AlertLevel `json:"level"`
	Rule       string     `json:"rule"`
	Model      ml.ModelID `json:"model"`
	Message    string     `json:"message"`
	Value      float64    `json:"value,omitempty"`
	Threshold  float64    `json:"threshold,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertOptions 告警配置
type AlertOptions struct {
	// 准确率低于该值触发critical；0关闭
	MinAccuracy float64
	// 相邻两次拟合准确率下降超过该值触发warning；0关闭
	MaxAccuracyDrop float64
	// 同一模型同一规则的最小告警间隔
	Cooldown time.Duration
	// 非空时以JSON POST投递
	WebhookURL string
	// 告警同时推送到事件流
	Events serving.EventPublisher
	Logger *zap.Logger
}

// AlertStats 告警统计
type AlertStats struct {
	TotalAlerts     int64                `json:"total_alerts"`
	ActiveAlerts    int                  `json:"active_alerts"`
	Suppressed      int64                `json:"suppressed"`
	WebhookFailures int64                `json:"webhook_failures"`
	ByLevel         map[AlertLevel]int64 `json:"by_level"`
	LastAlert       time.Time            `json:"last_alert,omitzero"`
}

// AlertSystem 根据重训练事件检查模型质量
type AlertSystem struct {
	opts       AlertOptions
	logger     *zap.Logger
	httpClient *http.Client

	mu       sync.Mutex
	active   map[string]*Alert // 模型/规则 -> 未解决的告警
	accuracy map[ml.ModelID]float64
	lastSent map[string]time.Time
	stats    AlertStats

	wg sync.WaitGroup
}

// NewAlertSystem 创建告警系统
func NewAlertSystem(opts AlertOptions) *AlertSystem {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertSystem{
		opts:       opts,
		logger:     logger.Named("alerts"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		active:     make(map[string]*Alert),
		accuracy:   make(map[ml.ModelID]float64),
		lastSent:   make(map[string]time.Time),
		stats:      AlertStats{ByLevel: make(map[AlertLevel]int64)},
	}
}

func alertKey(model ml.ModelID, rule string) string {
	return string(model) + "/" + rule
}

// Publish 消费重训练事件
func (a *AlertSystem) Publish(eventType string, data any) {
	ev, ok := data.(serving.RetrainEvent)
	if !ok {
		return
	}
	switch eventType {
	case serving.EventRetrainFailed:
		a.raise(&Alert{
			Level:   Warning,
			Rule:    RuleRetrainFailed,
			Model:   ev.Model,
			Message: fmt.Sprintf("retrain of %s failed: %s", ev.Model, ev.Error),
		})
	case serving.EventRetrainCompleted:
		a.resolve(ev.Model, RuleRetrainFailed)
		if ev.Metrics != nil {
			a.checkAccuracy(ev.Model, ev.Metrics.Accuracy)
		}
	}
}

// Observe 记录已加载模型的准确率作为下降检测的基线
func (a *AlertSystem) Observe(model ml.ModelID, accuracy float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accuracy[model] = accuracy
}

func (a *AlertSystem) checkAccuracy(model ml.ModelID, acc float64) {
	a.mu.Lock()
	prev, seen := a.accuracy[model]
	a.accuracy[model] = acc
	a.mu.Unlock()

	if floor := a.opts.MinAccuracy; floor > 0 && acc < floor {
		a.raise(&Alert{
			Level:     Critical,
			Rule:      RuleLowAccuracy,
			Model:     model,
			Message:   fmt.Sprintf("%s accuracy %.4f is below %.4f", model, acc, floor),
			Value:     acc,
			Threshold: floor,
		})
	} else {
		a.resolve(model, RuleLowAccuracy)
	}

	if drop := a.opts.MaxAccuracyDrop; drop > 0 && seen && prev-acc > drop {
		a.raise(&Alert{
			Level:     Warning,
			Rule:      RuleAccuracyDrop,
			Model:     model,
			Message:   fmt.Sprintf("%s accuracy fell from %.4f to %.4f", model, prev, acc),
			Value:     prev - acc,
			Threshold: drop,
		})
	} else {
		a.resolve(model, RuleAccuracyDrop)
	}
}

// raise 记录告警；冷却期内的重复告警只计数不投递
func (a *AlertSystem) raise(alert *Alert) {
	alert.ID = uuid.NewString()
	alert.Timestamp = time.Now()
	key := alertKey(alert.Model, alert.Rule)

	a.mu.Lock()
	if last, ok := a.lastSent[key]; ok && a.opts.Cooldown > 0 && alert.Timestamp.Sub(last) < a.opts.Cooldown {
		a.stats.Suppressed++
		a.mu.Unlock()
		return
	}
	a.lastSent[key] = alert.Timestamp
	a.active[key] = alert
	a.stats.TotalAlerts++
	a.stats.ByLevel[alert.Level]++
	a.stats.LastAlert = alert.Timestamp
	a.mu.Unlock()

	a.logger.Warn("alert raised",
		zap.String("rule", alert.Rule),
		zap.String("model", string(alert.Model)),
		zap.String("level", string(alert.Level)),
		zap.String("message", alert.Message))
	a.dispatch(alert)
}

func (a *AlertSystem) resolve(model ml.ModelID, rule string) {
	key := alertKey(model, rule)
	a.mu.Lock()
	alert, ok := a.active[key]
	if ok {
		delete(a.active, key)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	resolved := *alert
	resolved.Resolved = true
	resolved.ResolvedAt = &now
	a.logger.Info("alert resolved", zap.String("rule", rule), zap.String("model", string(model)))
	a.dispatch(&resolved)
}

func (a *AlertSystem) dispatch(alert *Alert) {
	if a.opts.Events != nil {
		a.opts.Events.Publish(EventAlert, *alert)
	}
	if a.opts.WebhookURL == "" {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.sendWebhook(ctx, alert); err != nil {
			a.mu.Lock()
			a.stats.WebhookFailures++
			a.mu.Unlock()
			a.logger.Error("alert webhook failed", zap.String("id", alert.ID), zap.Error(err))
		}
	}()
}

// sendWebhook 投递告警，网络错误与5xx按Fibonacci退避重试
func (a *AlertSystem) sendWebhook(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	backoff := retry.WithMaxRetries(4, retry.NewFibonacci(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(fmt.Errorf("webhook returned %s", resp.Status))
		case resp.StatusCode >= 300:
			return fmt.Errorf("webhook returned %s", resp.Status)
		}
		return nil
	})
}

// GetActiveAlerts 获取未解决的告警，最新的在前
func (a *AlertSystem) GetActiveAlerts() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Alert, 0, len(a.active))
	for _, alert := range a.active {
		out = append(out, *alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// GetStats 获取统计信息
func (a *AlertSystem) GetStats() AlertStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := a.stats
	stats.ActiveAlerts = len(a.active)
	stats.ByLevel = make(map[AlertLevel]int64, len(a.stats.ByLevel))
	for k, v := range a.stats.ByLevel {
		stats.ByLevel[k] = v
	}
	return stats
}

// Wait 等待进行中的webhook投递结束
func (a *AlertSystem) Wait() {
	a.wg.Wait()
}
