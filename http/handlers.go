package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"oncoscope/db"
	"oncoscope/ml"
	"oncoscope/monitoring"
	"oncoscope/serving"
)

const serviceVersion = "1.0.0"

// HistoryStore 训练日志查询；*db.Store实现该接口
type HistoryStore interface {
	LoadTrainingLog(ctx context.Context, limit int, model string) ([]db.TrainingLog, error)
}

// EventStream 训练事件推送；*monitoring.Hub实现该接口
type EventStream interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// MetricsRecorder 请求与预测指标，同时负责导出；*monitoring.MetricsCollector实现该接口
type MetricsRecorder interface {
	http.Handler
	IncrCounter(name, help string, value float64, labels map[string]string)
	Observe(name, help string, value float64, labels map[string]string)
}

// AlertSource 模型质量告警；*monitoring.AlertSystem实现该接口
type AlertSource interface {
	GetActiveAlerts() []monitoring.Alert
	GetStats() monitoring.AlertStats
}

// Service 汇集HTTP处理器依赖的组件
type Service struct {
	Registry       *serving.Registry
	Predictor      *serving.Predictor
	Aggregator     *serving.Aggregator
	Retrainer      *serving.Retrainer
	History        HistoryStore
	Events         EventStream
	Metrics        MetricsRecorder
	Alerts         AlertSource
	RetrainTimeout time.Duration
	MaxBatch       int
	Logger         *zap.Logger
	started        time.Time
}

// RegisterHandlers 注册所有路由
func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.MaxBatch <= 0 {
		s.MaxBatch = 1000
	}
	if s.RetrainTimeout <= 0 {
		s.RetrainTimeout = 10 * time.Minute
	}
	s.started = time.Now()

	s.handle(mux, "GET /{$}", s.handleRoot)
	s.handle(mux, "GET /health", s.handleHealth)
	s.handle(mux, "GET /models", s.handleModels)
	s.handle(mux, "GET /models/{id}/schema", s.handleSchema)
	s.registerPredictHandlers(mux)
	s.registerTrainingHandlers(mux)
	if s.Alerts != nil {
		s.handle(mux, "GET /alerts", s.handleAlerts)
	}
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
	if s.Events != nil {
		mux.HandleFunc("GET /ws/events", s.Events.HandleWebSocket)
	}
}

// handle 注册路由，并按路由模式记录请求数与耗时
func (s *Service) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	if s.Metrics == nil {
		mux.HandleFunc(pattern, h)
		return
	}
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		h(wrapped, r)
		s.Metrics.IncrCounter("oncoscope_http_requests_total", "HTTP requests by route and status", 1,
			map[string]string{"route": pattern, "status": strconv.Itoa(wrapped.statusCode)})
		s.Metrics.Observe("oncoscope_http_request_seconds", "HTTP request latency", time.Since(start).Seconds(),
			map[string]string{"route": pattern})
	})
}

// countPredictions 按模型与结果统计预测
func (s *Service) countPredictions(results ...serving.PredictionResult) {
	if s.Metrics == nil {
		return
	}
	for _, res := range results {
		s.Metrics.IncrCounter("oncoscope_predictions_total", "Predictions served by model and label", 1,
			map[string]string{"model": string(res.ModelType), "label": strings.ToLower(res.PredictionLabel)})
	}
}

func (s *Service) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"service":     "oncoscope",
		"version":     serviceVersion,
		"description": "Breast cancer (WDBC) diagnosis: per-model prediction, consensus and retraining",
		"endpoints": map[string]string{
			"health":          "GET /health",
			"models":          "GET /models",
			"schema":          "GET /models/{id}/schema",
			"predict":         "POST /predict?model_type={id}",
			"predict_batch":   "POST /predict/batch?model_type={id}",
			"predict_all":     "POST /predict/all",
			"predict_compare": "POST /predict/compare",
			"retrain":         "POST /retrain",
			"history":         "GET /retrain/history",
			"events":          "GET /ws/events",
		},
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := s.Registry.List()
	enabled := 0
	for _, ok := range s.Registry.Capabilities() {
		if ok {
			enabled++
		}
	}
	status := "healthy"
	if len(loaded) < enabled {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"models_loaded":    len(loaded),
		"available_models": loaded,
		"capabilities":     s.Registry.Capabilities(),
		"predictions":      s.Predictor.Stats(),
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
	})
}

type modelInfo struct {
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	Metrics         ml.Metrics         `json:"metrics"`
	Hyperparameters ml.Hyperparameters `json:"hyperparameters"`
	TrainedAt       time.Time          `json:"trained_at"`
	FitID           string             `json:"fit_id"`
	Generation      uint64             `json:"generation"`
}

func (s *Service) handleModels(w http.ResponseWriter, r *http.Request) {
	entries := s.Registry.Entries()
	ids := make([]ml.ModelID, 0, len(entries))
	models := make(map[ml.ModelID]modelInfo, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
		models[e.ID] = modelInfo{
			Name:            e.ID.DisplayName(),
			Description:     e.Description,
			Metrics:         e.Metrics,
			Hyperparameters: e.Hyperparameters,
			TrainedAt:       e.TrainedAt,
			FitID:           e.FitID,
			Generation:      e.Generation,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"available_models": ids,
		"models":           models,
	})
}

func (s *Service) handleSchema(w http.ResponseWriter, r *http.Request) {
	id, err := ml.ParseModelID(r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	schema, err := ml.SchemaFor(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"model_type": id,
		"enabled":    s.Registry.Enabled(id),
		"parameters": schema,
		"defaults":   schema.Defaults(),
	})
}

func (s *Service) handleAlerts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active": s.Alerts.GetActiveAlerts(),
		"stats":  s.Alerts.GetStats(),
	})
}

// respondJSON 写出JSON响应
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode JSON", zap.Error(err))
	}
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, map[string]errorDetail{
		"error": {Kind: kind, Message: message},
	})
}

// statusFor 把错误类别映射为HTTP状态码
func statusFor(err error) (int, serving.Kind) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, serving.KindInvalidFeatureVector
	}
	kind := serving.KindOf(err)
	switch kind {
	case serving.KindInvalidFeatureVector, serving.KindInvalidHyperparameter:
		return http.StatusBadRequest, kind
	case serving.KindUnknownModel, serving.KindModelNotLoaded:
		return http.StatusNotFound, kind
	case serving.KindNoModelsAvailable:
		return http.StatusServiceUnavailable, kind
	case serving.KindRetrainFailed:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, kind
		}
		return http.StatusInternalServerError, kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, kind
	}
	return http.StatusInternalServerError, kind
}

func (s *Service) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	s.writeKindError(w, r, status, kind, err)
}

func (s *Service) writeKindError(w http.ResponseWriter, r *http.Request, status int, kind serving.Kind, err error) {
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.Logger.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err))
		if kind == serving.KindInternal {
			message = "internal server error"
		}
	}
	writeError(w, status, string(kind), message)
}
