package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/serving"
)

// RegisterRoutes adds every endpoint to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/predict/{model}", s.handleOperation(serving.OpPredict))
	mux.HandleFunc("POST /v1/explain/{kind}/{model}", s.handleExplain)
	mux.HandleFunc("POST /v1/analyze/{model}", s.handleOperation(serving.OpAnalyze))
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/mlflow/tracking_uri", s.handleTrackingURI)
	mux.HandleFunc("GET /v1/requests", s.handleRequests)
	mux.HandleFunc("DELETE /v1/cache/{model}", s.handleInvalidate)
	mux.HandleFunc("GET /v1/drift", s.handleDrift)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) handleOperation(op serving.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveOperation(w, r, op)
	}
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	op, err := serving.ParseOperation(r.PathValue("kind"))
	if err == nil && !op.IsExplain() {
		err = scierrors.NewNotFoundError("explanation", string(op), "expected beeswarm, heatmap or waterfall")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveOperation(w, r, op)
}

func (s *Server) serveOperation(w http.ResponseWriter, r *http.Request, op serving.Operation) {
	start := time.Now()
	ctx := r.Context()
	model := r.PathValue("model")

	var (
		out  any
		meta serving.Meta
	)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = scierrors.NewInvalidRequestError("body", "exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		} else {
			err = scierrors.NewInvalidRequestError("body", err.Error())
		}
	} else {
		out, meta, err = s.svc.Do(ctx, op, model, body)
	}

	status := http.StatusOK
	if err != nil {
		status = scierrors.StatusCode(err)
	}
	s.rec.record(ctx, outcome{
		id:     requestID(ctx),
		source: log.SourceHTTP,
		op:     string(op),
		model:  model,
		meta:   meta,
		status: status,
		start:  start,
		err:    err,
	})

	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, out)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.svc.Models(r.Context())
	if err != nil {
		s.logger.Error("model listing failed", err, log.RequestIDKey, requestID(r.Context()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleTrackingURI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"url": s.svc.TrackingURI()})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, scierrors.NewNotFoundError("audit store", "requests", "auditing is disabled"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, scierrors.NewInvalidRequestError("limit", "must be an integer between 1 and 1000"))
			return
		}
		limit = n
	}
	reqs, err := s.db.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	n := s.svc.Loader().Cache().Invalidate(model)
	if mon := s.svc.Drift(); mon != nil {
		mon.Forget(model)
	}
	s.logger.Info("cache invalidated", log.ModelNameKey, model, "entries", n)
	if s.db != nil {
		if err := s.db.Event(r.Context(), "info", "cache.invalidate", model, map[string]interface{}{"entries": n}); err != nil {
			s.logger.Error("audit write failed", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

func (s *Server) handleDrift(w http.ResponseWriter, _ *http.Request) {
	mon := s.svc.Drift()
	if mon == nil {
		writeError(w, scierrors.NewNotFoundError("drift monitor", "status", "drift monitoring is disabled"))
		return
	}
	writeJSON(w, http.StatusOK, mon.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.svc.Loader().Cache().Stats()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cache": stats})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) int {
	status, body := errorStatus(err)
	writeJSON(w, status, body)
	return status
}
