// Package server exposes the pipeline as an HTTP trigger.
//
// Routes:
//
//	POST /events   object-created notification (S3 "Records" shape, GCS
//	               {"bucket","name"} shape, or {"bucket","key"})
//	GET  /healthz  liveness
//	GET  /metrics  Prometheus metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"labtools/internal/logger"
	"labtools/internal/metrics"
	"labtools/internal/pipeline"
	"labtools/pkg/models"
)

const maxEventBytes = 1 << 20

// DocumentProcessor runs one document event.
type DocumentProcessor interface {
	Process(ctx context.Context, ev models.DocumentEvent) (*pipeline.Result, error)
}

// Response is the body of every /events reply.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Server is the HTTP trigger.
type Server struct {
	processor DocumentProcessor
	router    *chi.Mux
	addr      string
	log       zerolog.Logger
}

// New creates a Server. Metrics are served from gatherer.
func New(addr string, processor DocumentProcessor, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		processor: processor,
		addr:      addr,
		log:       logger.WithComponent("server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Post("/events", s.handleEvent)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Response{Status: "ok", Message: "healthy"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))

	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("HTTP trigger listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.log.Info().Msg("Shutting down HTTP trigger")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// eventPayload accepts every supported notification shape.
type eventPayload struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`

	Bucket string `json:"bucket"`
	Name   string `json:"name"`
	Key    string `json:"key"`
}

// ParseEvents decodes a notification body into document events. S3 object
// keys arrive URL-encoded and are decoded.
func ParseEvents(body []byte) ([]models.DocumentEvent, error) {
	var p eventPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid event body: %w", err)
	}

	var events []models.DocumentEvent
	for _, rec := range p.Records {
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid object key %q: %w", rec.S3.Object.Key, err)
		}
		events = append(events, models.DocumentEvent{Bucket: rec.S3.Bucket.Name, Key: key})
	}
	if len(events) == 0 && p.Bucket != "" {
		key := p.Key
		if key == "" {
			key = p.Name
		}
		events = append(events, models.DocumentEvent{Bucket: p.Bucket, Key: key})
	}

	for _, ev := range events {
		if ev.Bucket == "" || ev.Key == "" {
			return nil, errors.New("event is missing bucket or object key")
		}
	}
	if len(events) == 0 {
		return nil, errors.New("event names no object")
	}
	return events, nil
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Status: string(pipeline.StatusFailed), Message: err.Error()})
		return
	}
	events, err := ParseEvents(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Status: string(pipeline.StatusFailed), Message: err.Error()})
		return
	}

	status := http.StatusOK
	resp := Response{Status: string(pipeline.StatusSkipped)}
	var messages []string
	for _, ev := range events {
		res, err := s.processor.Process(r.Context(), ev)
		if err != nil {
			s.log.Error().
				Err(err).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("bucket", ev.Bucket).
				Str("key", ev.Key).
				Msg("Event processing failed")
			status = http.StatusInternalServerError
			resp.Status = string(pipeline.StatusFailed)
			messages = append(messages, err.Error())
			continue
		}
		if res.Status == pipeline.StatusSuccess && resp.Status != string(pipeline.StatusFailed) {
			resp.Status = string(pipeline.StatusSuccess)
		}
		messages = append(messages, res.Message)
	}
	resp.Message = strings.Join(messages, "; ")
	writeJSON(w, status, resp)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read event body: %w", err)
	}
	return body, nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
