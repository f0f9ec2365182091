package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"oncoscope/db"
	"oncoscope/ml"
	"oncoscope/serving"
)

type retrainRequest struct {
	ModelType       string         `json:"model_type"`
	ModelName       string         `json:"model_name"`
	Hyperparameters map[string]any `json:"hyperparameters"`
}

type retrainResponse struct {
	ModelName    string      `json:"model_name"`
	Status       string      `json:"status"`
	Accuracy     float64     `json:"accuracy"`
	TrainingTime float64     `json:"training_time"`
	Message      string      `json:"message"`
	Metrics      *ml.Metrics `json:"metrics,omitempty"`
	FitID        string      `json:"fit_id,omitempty"`
	Generation   uint64      `json:"generation,omitempty"`

	Results map[ml.ModelID]retrainItem `json:"results,omitempty"`
}

type retrainItem struct {
	Status       string       `json:"status"`
	Accuracy     float64      `json:"accuracy,omitempty"`
	TrainingTime float64      `json:"training_time,omitempty"`
	Metrics      *ml.Metrics  `json:"metrics,omitempty"`
	Error        *errorDetail `json:"error,omitempty"`
}

// registerTrainingHandlers 注册重训练路由
func (s *Service) registerTrainingHandlers(mux *http.ServeMux) {
	s.handle(mux, "POST /retrain", s.handleRetrain)
	s.handle(mux, "GET /retrain/history", s.handleRetrainHistory)
}

func decodeRetrainRequest(r *http.Request) (retrainRequest, error) {
	var req retrainRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, err
		}
		if errors.Is(err, io.EOF) {
			return req, fmt.Errorf("%w: empty request body", ml.ErrInvalidHyperparameter)
		}
		return req, fmt.Errorf("%w: malformed request: %v", ml.ErrInvalidHyperparameter, err)
	}
	if req.ModelType == "" {
		req.ModelType = req.ModelName
	}
	return req, nil
}

// respondRetrainError 请求体里的未知模型属于请求错误，返回400
func (s *Service) respondRetrainError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if kind == serving.KindUnknownModel {
		status = http.StatusBadRequest
	}
	s.writeKindError(w, r, status, kind, err)
}

func (s *Service) handleRetrain(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRetrainRequest(r)
	if err != nil {
		s.respondRetrainError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ModelType) == "" {
		s.respondRetrainError(w, r, fmt.Errorf("%w: model_type is required", ml.ErrUnknownModel))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.RetrainTimeout)
	defer cancel()

	target := strings.ToLower(strings.TrimSpace(req.ModelType))
	if target == "all" || target == "knn" {
		s.retrainGroup(ctx, w, r, target, req.Hyperparameters)
		return
	}

	id, err := ml.ParseModelID(req.ModelType)
	if err != nil {
		s.respondRetrainError(w, r, err)
		return
	}
	out, err := s.Retrainer.Retrain(ctx, id, req.Hyperparameters)
	if err != nil {
		s.respondRetrainError(w, r, err)
		return
	}
	metrics := out.Metrics
	respondJSON(w, http.StatusOK, retrainResponse{
		ModelName:    id.DisplayName(),
		Status:       "success",
		Accuracy:     metrics.Accuracy,
		TrainingTime: out.Duration.Seconds(),
		Message:      fmt.Sprintf("%s retrained on %d samples", id.DisplayName(), out.DataPoints),
		Metrics:      &metrics,
		FitID:        out.Entry.FitID,
		Generation:   out.Entry.Generation,
	})
}

func (s *Service) retrainGroup(ctx context.Context, w http.ResponseWriter, r *http.Request, target string, overrides map[string]any) {
	start := time.Now()
	results, err := s.Retrainer.RetrainGroup(ctx, target, overrides)
	if err != nil {
		s.respondRetrainError(w, r, err)
		return
	}

	resp := retrainResponse{
		ModelName: strings.ToUpper(target),
		Results:   make(map[ml.ModelID]retrainItem, len(results)),
	}
	succeeded := 0
	var lastErr error
	for _, res := range results {
		if res.Err != nil {
			_, kind := statusFor(res.Err)
			resp.Results[res.ID] = retrainItem{
				Status: "failed",
				Error:  &errorDetail{Kind: string(kind), Message: res.Err.Error()},
			}
			lastErr = res.Err
			continue
		}
		succeeded++
		metrics := res.Outcome.Metrics
		resp.Accuracy += metrics.Accuracy
		resp.Results[res.ID] = retrainItem{
			Status:       "success",
			Accuracy:     metrics.Accuracy,
			TrainingTime: res.Outcome.Duration.Seconds(),
			Metrics:      &metrics,
		}
	}
	if succeeded == 0 && lastErr != nil {
		s.respondRetrainError(w, r, lastErr)
		return
	}
	if succeeded > 0 {
		resp.Accuracy /= float64(succeeded)
	}
	resp.TrainingTime = time.Since(start).Seconds()
	resp.Status = "success"
	if succeeded < len(results) {
		resp.Status = "partial"
	}
	resp.Message = fmt.Sprintf("%d of %d models retrained", succeeded, len(results))
	respondJSON(w, http.StatusOK, resp)
}

func (s *Service) handleRetrainHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	model := ""
	if v := r.URL.Query().Get("model_type"); v != "" {
		id, err := ml.ParseModelID(v)
		if err != nil {
			s.respondRetrainError(w, r, err)
			return
		}
		model = string(id)
	}

	logs := []db.TrainingLog{}
	if s.History != nil {
		var err error
		logs, err = s.History.LoadTrainingLog(r.Context(), limit, model)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(logs),
		"history": logs,
	})
}
