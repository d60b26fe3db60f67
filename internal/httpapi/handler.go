package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"subgraph-lag-monitor/internal/history"
	"subgraph-lag-monitor/internal/telemetry"
)

// HistoryReader reads the last persisted document without creating it.
type HistoryReader interface {
	Read(ctx context.Context) (history.Document, error)
}

// Options configure the read-only API.
type Options struct {
	Metrics http.Handler
	Now     func() time.Time
}

type api struct {
	reader HistoryReader
	now    func() time.Time
	logger zerolog.Logger
}

// NewHandler wires the delays, health and metrics endpoints.
func NewHandler(reader HistoryReader, opts Options, logger zerolog.Logger) http.Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &api{reader: reader, now: opts.Now, logger: logger.With().Str("component", "http").Logger()}

	traceMode := telemetry.TraceMode()
	router := chi.NewRouter()
	router.Method(http.MethodGet, "/api/delays", wrapHTTPHandler(traceMode, "delays", http.HandlerFunc(a.delays)))
	router.Method(http.MethodGet, "/api/health", wrapHTTPHandler(traceMode, "health", http.HandlerFunc(a.health)))
	if opts.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", wrapHTTPHandler(traceMode, "metrics", opts.Metrics))
	}
	router.NotFound(notFound)
	router.MethodNotAllowed(notFound)
	return router
}

func (a *api) delays(w http.ResponseWriter, r *http.Request) {
	count := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("count")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be a non-negative integer"})
			return
		}
		count = parsed
	}

	doc, err := a.reader.Read(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to read history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read data file"})
		return
	}

	body, err := history.Encode(history.Tail(doc, count))
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to encode history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to encode data"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": a.now().UnixMilli(),
	})
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.Tracer().Start(
			r.Context(),
			"http.server."+route,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
