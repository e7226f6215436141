package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inwire/msggate/internal/metrics"
	"log/slog"
)

// latencyBucketsMS are the fixed upper bounds for request latency
// histograms, in milliseconds.
var latencyBucketsMS = []float64{10, 50, 100, 200, 500, 1000, 5000}

// ServeHTTP wraps routing with the access layer: request-id assignment,
// per-request counter and latency observation keyed by path and final
// status, and one structured access-log line per request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	fields := &webhookLogFields{}
	ctx := context.WithValue(r.Context(), logFieldsKey{}, fields)

	start := time.Now()
	s.route(recorder, r.WithContext(ctx), requestID)
	latencyMS := float64(time.Since(start).Nanoseconds()) / 1e6

	status := strconv.Itoa(recorder.status)
	labels := metrics.Labels{"path": r.URL.Path, "status": status}
	s.registry.IncCounter("http_requests_total", labels)
	s.registry.ObserveHistogram("request_latency_ms", labels, latencyMS, latencyBucketsMS)

	attrs := []slog.Attr{
		slog.String("request_id", requestID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", recorder.status),
		slog.Float64("latency_ms", latencyMS),
	}
	if messageID, result, dup, ok := fields.snapshot(); ok {
		attrs = append(attrs,
			slog.String("message_id", messageID),
			slog.String("result", result),
			slog.Bool("dup", dup),
		)
	}
	s.log.LogAttrs(r.Context(), slog.LevelInfo, "request", attrs...)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the websocket upgrade path working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// webhookLogFields carries the ingestion outcome from the webhook handler
// to the access log as an explicit result object.
type webhookLogFields struct {
	mu        sync.Mutex
	messageID string
	result    string
	dup       bool
	set       bool
}

type logFieldsKey struct{}

func webhookFields(ctx context.Context) *webhookLogFields {
	if fields, ok := ctx.Value(logFieldsKey{}).(*webhookLogFields); ok {
		return fields
	}
	return &webhookLogFields{}
}

func (f *webhookLogFields) record(messageID, result string, dup bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageID = messageID
	f.result = result
	f.dup = dup
	f.set = true
}

func (f *webhookLogFields) snapshot() (messageID, result string, dup, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messageID, f.result, f.dup, f.set
}
