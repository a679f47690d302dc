// Package api serves plan submission, task polling and the store list over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"savery/internal"
	"savery/internal/catalog"
	"savery/internal/config"
	"savery/internal/listsource"
	"savery/internal/parsing"
	"savery/internal/pipeline"
)

const maxBodyBytes = 1 << 20

type Planner interface {
	Submit(ctx context.Context, req internal.PlanRequest) (internal.SubmitResult, error)
	Cancel(ctx context.Context, planID string) (bool, error)
}

type StatusSource interface {
	Status(ctx context.Context, taskID string) (internal.TaskStatus, error)
}

type StoreLister interface {
	ListStores(ctx context.Context, ids ...string) ([]internal.Store, error)
}

type Server struct {
	cfg     config.Config
	planner Planner
	status  StatusSource
	stores  StoreLister
	parser  *parsing.Parser
}

func NewServer(cfg config.Config, planner Planner, status StatusSource, stores StoreLister, parser *parsing.Parser) *Server {
	return &Server{cfg: cfg, planner: planner, status: status, stores: stores, parser: parser}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	routes := func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stores", s.handleStores)
		r.Post("/optimize", s.handleOptimize)
		r.Get("/tasks/{taskID}", s.handleTaskStatus)
		r.Delete("/tasks/{taskID}", s.handleTaskCancel)
		r.Post("/parse", s.handleParse)
	}
	if s.cfg.APIPrefix == "" {
		routes(r)
	} else {
		r.Route(s.cfg.APIPrefix, routes)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStores(w http.ResponseWriter, r *http.Request) {
	stores, err := s.stores.ListStores(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to list stores", err)
		return
	}
	if len(stores) == 0 {
		stores = catalog.DemoStores()
	}
	writeJSON(w, http.StatusOK, map[string]any{"stores": stores})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req internal.PlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	res, err := s.planner.Submit(r.Context(), req)
	var verr *pipeline.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, res)
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: verr.Message, Field: verr.Field})
	case eris.Is(err, pipeline.ErrPoolClosed):
		writeError(w, r, http.StatusServiceUnavailable, "server is shutting down", err)
	default:
		writeError(w, r, http.StatusInternalServerError, "failed to submit plan", err)
	}
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Status(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to read task status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	cancelled, err := s.planner.Cancel(r.Context(), taskID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"id": taskID, "cancelled": cancelled})
	case eris.Is(err, pipeline.ErrPlanNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
	default:
		writeError(w, r, http.StatusInternalServerError, "failed to cancel task", err)
	}
}

type parseRequest struct {
	Text  string                   `json:"text"`
	Items []internal.ListItemInput `json:"items"`
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	inputs := req.Items
	if strings.TrimSpace(req.Text) != "" {
		inputs = append(inputs, listsource.Inputs(listsource.FromText(req.Text))...)
	}
	if len(inputs) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "text or items is required", Field: "items"})
		return
	}

	items := make([]internal.ParsedItem, 0, len(inputs))
	for _, in := range inputs {
		items = append(items, s.parser.FromInput(in))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return eris.Wrap(err, "api: decode body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	reqID := middleware.GetReqID(r.Context())
	zap.L().Error("http error",
		zap.Int("status", status),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", reqID),
		zap.Error(err),
	)
	writeJSON(w, status, errorResponse{Error: message, RequestID: reqID})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
