package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"pbx-bridge-go/internal/config"
	"pbx-bridge-go/internal/credentials"
	"pbx-bridge-go/internal/logger"
	"pbx-bridge-go/internal/normalizer"
	"pbx-bridge-go/internal/pipeline"
	"pbx-bridge-go/internal/report"
)

type Server struct {
	cfg     config.Config
	pipe    *pipeline.Pipeline
	creds   *credentials.Manager
	reports *report.Log
	log     *logrus.Entry
}

type webhookResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	CallID    string `json:"call_id"`
	RequestID string `json:"request_id"`
}

func NewServer(cfg config.Config, pipe *pipeline.Pipeline, creds *credentials.Manager, reports *report.Log) *Server {
	return &Server{
		cfg:     cfg,
		pipe:    pipe,
		creds:   creds,
		reports: reports,
		log:     logger.NewComponent("api"),
	}
}

// Router wires all routes plus logging and recovery middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/report.xlsx", s.handleReport).Methods(http.MethodGet)
	return r
}

func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	s.log.WithField("addr", srv.Addr).Info("listening")
	return srv.ListenAndServe()
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	log := s.log.WithField("req_id", reqID)

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.WithError(err).Warn("malformed webhook body")
		writeJSON(w, http.StatusBadRequest, webhookResponse{
			Success:   false,
			Error:     "malformed JSON body",
			RequestID: reqID,
		})
		return
	}

	if s.cfg.AsyncProcessing {
		// accepted-then-process: the PBX gets success before transcription
		// and forwarding finish, so later failures are logged, never surfaced
		rec := normalizer.Normalize(payload)
		go func() {
			defer func() {
				if rc := recover(); rc != nil {
					log.WithField("panic", fmt.Sprintf("%v", rc)).Error("background processing panicked")
				}
			}()
			if _, err := s.pipe.Process(context.Background(), payload); err != nil {
				log.WithField("call_id", rec.CallID).WithError(err).Error("background processing failed")
			}
		}()
		writeJSON(w, http.StatusOK, webhookResponse{
			Success:   true,
			Message:   "accepted for processing",
			CallID:    rec.CallID,
			RequestID: reqID,
		})
		return
	}

	res, err := s.pipe.Process(r.Context(), payload)
	resp := webhookResponse{
		Success:   res.Success,
		Message:   res.Message,
		Error:     res.Error,
		CallID:    res.CallID,
		RequestID: reqID,
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"service":   s.cfg.ServiceName,
		"version":   s.cfg.Version,
		"readiness": s.cfg.Readiness(),
	}
	if s.creds != nil {
		body["token_state"] = s.creds.State()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reports.Summarize())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	data, err := s.reports.ExportXLSX()
	if err != nil {
		s.log.WithError(err).Error("report export failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "report export failed"})
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="calls.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.New().WithRequest(r).Info("request received")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rc := recover(); rc != nil {
				s.log.WithField("panic", fmt.Sprintf("%v", rc)).Error("handler panicked")
				writeJSON(w, http.StatusInternalServerError, webhookResponse{
					Success:   false,
					Error:     "internal error",
					RequestID: requestID(r),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string {
	if v, ok := r.Context().Value(requestIDKey).(string); ok {
		return v
	}
	return uuid.New().String()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
