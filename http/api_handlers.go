// Package http 提供API处理器
package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"oncoscope/ml"
)

const defaultModel = ml.MLP

// registerPredictHandlers 注册预测相关路由
func (s *Service) registerPredictHandlers(mux *http.ServeMux) {
	s.handle(mux, "POST /predict", s.handlePredict)
	s.handle(mux, "POST /predict/batch", s.handlePredictBatch)
	s.handle(mux, "POST /predict/all", s.handlePredictAll)
	s.handle(mux, "POST /predict/compare", s.handlePredictAll)
}

// modelFromQuery 读取model_type（兼容model_name），缺省为mlp
func modelFromQuery(r *http.Request) (ml.ModelID, error) {
	name := r.URL.Query().Get("model_type")
	if name == "" {
		name = r.URL.Query().Get("model_name")
	}
	if name == "" {
		return defaultModel, nil
	}
	id, err := ml.ParseModelID(name)
	if err != nil {
		return ml.ModelID(name), err
	}
	return id, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty request body", ml.ErrInvalidFeatureVector)
	}
	return body, nil
}

func (s *Service) handlePredict(w http.ResponseWriter, r *http.Request) {
	id, err := modelFromQuery(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	fv, err := ml.ParseFeatureVector(body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	res, err := s.Predictor.Predict(r.Context(), id, fv)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.countPredictions(res)
	respondJSON(w, http.StatusOK, res)
}

// handlePredictBatch 接受特征对象数组，或{"samples": [...]}
func (s *Service) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	id, err := modelFromQuery(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	items, err := splitBatch(body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if len(items) == 0 {
		s.respondError(w, r, fmt.Errorf("%w: batch is empty", ml.ErrInvalidFeatureVector))
		return
	}
	if len(items) > s.MaxBatch {
		s.respondError(w, r, fmt.Errorf("%w: batch of %d exceeds the limit of %d", ml.ErrInvalidFeatureVector, len(items), s.MaxBatch))
		return
	}

	fvs := make([]ml.FeatureVector, len(items))
	for i, item := range items {
		fv, err := ml.ParseFeatureVector(item)
		if err != nil {
			s.respondError(w, r, fmt.Errorf("item %d: %w", i, err))
			return
		}
		fvs[i] = fv
	}

	results, err := s.Predictor.PredictBatch(r.Context(), id, fvs)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.countPredictions(results...)
	respondJSON(w, http.StatusOK, results)
}

func splitBatch(body []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapper struct {
			Samples []json.RawMessage `json:"samples"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", ml.ErrInvalidFeatureVector, err)
		}
		if wrapper.Samples == nil {
			return nil, fmt.Errorf("%w: expected an array or {\"samples\": [...]}", ml.ErrInvalidFeatureVector)
		}
		return wrapper.Samples, nil
	}
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ml.ErrInvalidFeatureVector, err)
	}
	return items, nil
}

func (s *Service) handlePredictAll(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	fv, err := ml.ParseFeatureVector(body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	res, err := s.Aggregator.PredictAll(r.Context(), fv)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
