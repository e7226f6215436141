package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/inwire/msggate/internal/metrics"
	"github.com/inwire/msggate/internal/msggate"
)

const testSecret = "topsecret"

type testEnv struct {
	server   *Server
	store    *msggate.MemoryStore
	registry *metrics.Registry
}

func newTestEnv(t *testing.T, secret string, cfg ServerConfig) *testEnv {
	t.Helper()
	store := msggate.NewMemoryStore()
	registry := metrics.NewRegistry()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	pipeline := msggate.NewPipeline(msggate.NewSignatureGate(secret), store, registry, msggate.PipelineOptions{
		Stream: cfg.Stream,
		Logger: logger,
	})
	cfg.Logger = logger
	return &testEnv{
		server:   NewServerWithConfig(pipeline, store, registry, cfg),
		store:    store,
		registry: registry,
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(id, from, ts string) []byte {
	return []byte(fmt.Sprintf(`{"message_id":%q,"from":%q,"to":"+222","ts":%q,"text":"hello"}`, id, from, ts))
}

func postWebhook(env *testEnv, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return out
}

func statsTotal(t *testing.T, env *testEnv) int {
	t.Helper()
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats returned %d: %s", rec.Code, rec.Body.String())
	}
	return int(decodeBody(t, rec)["total_messages"].(float64))
}

func TestWebhookAcceptedThenDuplicate(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})
	body := webhookBody("m1", "+111", "2025-01-01T10:00:00Z")

	rec := postWebhook(env, body, sign(testSecret, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["status"] != "ok" {
		t.Fatalf("expected ok status, got %s", rec.Body.String())
	}
	if got := statsTotal(t, env); got != 1 {
		t.Fatalf("expected 1 stored message, got %d", got)
	}

	// Redelivery of the same message_id succeeds without a second row.
	rec = postWebhook(env, body, sign(testSecret, body))
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "ok" {
		t.Fatalf("expected duplicate to look like success, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := statsTotal(t, env); got != 1 {
		t.Fatalf("expected 1 stored message after redelivery, got %d", got)
	}
	rendered := env.registry.Render()
	for _, want := range []string{
		`webhook_requests_total{result="success"} 1`,
		`webhook_requests_total{result="duplicate"} 1`,
	} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("expected %q in metrics:\n%s", want, rendered)
		}
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})
	body := webhookBody("m1", "+111", "2025-01-01T10:00:00Z")

	signature := sign(testSecret, body)
	tampered := "0" + signature[1:]
	if tampered == signature {
		tampered = "1" + signature[1:]
	}
	rec := postWebhook(env, body, tampered)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := statsTotal(t, env); got != 0 {
		t.Fatalf("expected no stored messages after rejection, got %d", got)
	}

	// Missing header is rejected the same way.
	rec = postWebhook(env, body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing signature, got %d", rec.Code)
	}
}

func TestWebhookSchemePrefixedSignature(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})
	body := webhookBody("m1", "+111", "2025-01-01T10:00:00Z")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign(testSecret, body))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for sha256= prefixed signature, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookSecretNotConfigured(t *testing.T) {
	env := newTestEnv(t, "", ServerConfig{})
	body := webhookBody("m1", "+111", "2025-01-01T10:00:00Z")

	rec := postWebhook(env, body, sign(testSecret, body))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a configured secret, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["code"] != "server_misconfigured" {
		t.Fatalf("expected server_misconfigured code, got %s", rec.Body.String())
	}
}

func TestWebhookValidation(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})

	cases := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("not-json")},
		{"missing fields", []byte(`{"message_id":"m1"}`)},
		{"sender without plus", webhookBody("m1", "111", "2025-01-01T10:00:00Z")},
		{"naive timestamp", webhookBody("m1", "+111", "2025-01-01T10:00:00")},
		{"non-utc offset", webhookBody("m1", "+111", "2025-01-01T10:00:00+02:00")},
		{"empty message id", webhookBody("", "+111", "2025-01-01T10:00:00Z")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postWebhook(env, tc.body, sign(testSecret, tc.body))
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
	if got := statsTotal(t, env); got != 0 {
		t.Fatalf("expected no rows from invalid payloads, got %d", got)
	}
}

func TestWebhookBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{MaxBodyBytes: 64})
	body := webhookBody("m1", "+111", "2025-01-01T10:00:00Z")

	rec := postWebhook(env, body, sign(testSecret, body))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookRateLimit(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		body := webhookBody(fmt.Sprintf("m%d", i), "+111", "2025-01-01T10:00:00Z")
		if rec := postWebhook(env, body, sign(testSecret, body)); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	body := webhookBody("m9", "+111", "2025-01-01T10:00:00Z")
	rec := postWebhook(env, body, sign(testSecret, body))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 429")
	}
}

func seedMessages(t *testing.T, env *testEnv) {
	t.Helper()
	seeds := []struct {
		id, from, ts string
		text         string
	}{
		{"m1", "+111", "2025-01-01T10:00:00Z", "hello world"},
		{"m2", "+222", "2025-01-01T11:00:00Z", "second"},
		{"m3", "+111", "2025-01-01T12:00:00Z", "third hello"},
	}
	for _, seed := range seeds {
		body := []byte(fmt.Sprintf(`{"message_id":%q,"from":%q,"to":"+999","ts":%q,"text":%q}`,
			seed.id, seed.from, seed.ts, seed.text))
		if rec := postWebhook(env, body, sign(testSecret, body)); rec.Code != http.StatusOK {
			t.Fatalf("seed %s: got %d: %s", seed.id, rec.Code, rec.Body.String())
		}
	}
}

func queryMessages(t *testing.T, env *testEnv, rawQuery string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	target := "/messages"
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusOK {
		return rec, nil
	}
	return rec, decodeBody(t, rec)
}

func dataIDs(body map[string]any) []string {
	items := body["data"].([]any)
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.(map[string]any)["message_id"].(string))
	}
	return ids
}

func TestMessagesQueryFilters(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})
	seedMessages(t, env)

	_, body := queryMessages(t, env, "")
	if got := dataIDs(body); len(got) != 3 || got[0] != "m1" || got[2] != "m3" {
		t.Fatalf("expected chronological m1..m3, got %v", got)
	}
	if body["total"].(float64) != 3 {
		t.Fatalf("expected total 3, got %v", body["total"])
	}

	_, body = queryMessages(t, env, "from=%2B111")
	if got := dataIDs(body); len(got) != 2 || got[0] != "m1" || got[1] != "m3" {
		t.Fatalf("expected sender filter to keep m1,m3, got %v", got)
	}

	// since strictly between m1 and m2 keeps m2 and m3.
	_, body = queryMessages(t, env, "since=2025-01-01T10%3A30%3A00Z")
	if got := dataIDs(body); len(got) != 2 || got[0] != "m2" {
		t.Fatalf("expected since filter to keep m2,m3, got %v", got)
	}

	_, body = queryMessages(t, env, "q=hello")
	if got := dataIDs(body); len(got) != 2 || got[0] != "m1" || got[1] != "m3" {
		t.Fatalf("expected substring filter to keep m1,m3, got %v", got)
	}

	// Filters are conjunctive.
	_, body = queryMessages(t, env, "from=%2B111&q=third")
	if got := dataIDs(body); len(got) != 1 || got[0] != "m3" {
		t.Fatalf("expected combined filters to keep m3, got %v", got)
	}

	_, body = queryMessages(t, env, "limit=1&offset=1")
	if got := dataIDs(body); len(got) != 1 || got[0] != "m2" {
		t.Fatalf("expected pagination window m2, got %v", got)
	}
	if body["total"].(float64) != 3 {
		t.Fatalf("expected total to ignore pagination, got %v", body["total"])
	}
	if body["limit"].(float64) != 1 || body["offset"].(float64) != 1 {
		t.Fatalf("expected echoed pagination params, got %v", body)
	}
}

func TestMessagesQueryParamValidation(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})

	for _, raw := range []string{"limit=0", "limit=101", "limit=abc", "offset=-1", "since=yesterday"} {
		rec, _ := queryMessages(t, env, raw)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("query %q: expected 400, got %d", raw, rec.Code)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})
	seedMessages(t, env)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total_messages"].(float64) != 3 || body["senders_count"].(float64) != 2 {
		t.Fatalf("unexpected stats: %v", body)
	}
	perSender := body["messages_per_sender"].(map[string]any)
	if perSender["+111"].(float64) != 2 || perSender["+222"].(float64) != 1 {
		t.Fatalf("unexpected per-sender counts: %v", perSender)
	}
	if body["first_message_ts"] == nil || body["last_message_ts"] == nil {
		t.Fatalf("expected first/last timestamps: %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})
	body := webhookBody("m1", "+111", "2025-01-01T10:00:00Z")
	postWebhook(env, body, sign(testSecret, body))

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain; version=0.0.4; charset=utf-8" {
		t.Fatalf("unexpected content type %q", got)
	}
	text := rec.Body.String()
	for _, want := range []string{
		`http_requests_total{path="/webhook",status="200"} 1`,
		`webhook_requests_total{result="success"} 1`,
		`request_latency_ms_bucket{path="/webhook",status="200",le="+Inf"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, text)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected live 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready 200, got %d: %s", rec.Code, rec.Body.String())
	}

	unconfigured := newTestEnv(t, "", ServerConfig{})
	rec = httptest.NewRecorder()
	unconfigured.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without secret, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["secret"] != false || body["database"] != true {
		t.Fatalf("unexpected readiness detail: %v", body)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected echoed request id, got %q", got)
	}

	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Code == http.StatusNotFound && decodeBody(t, rec)["code"] != "not_found" {
		t.Fatalf("expected not_found error body, got %s", rec.Body.String())
	}
}

func TestStreamDeliversAcceptedMessages(t *testing.T) {
	stream := msggate.NewBroadcaster()
	env := newTestEnv(t, testSecret, ServerConfig{Stream: stream})

	ts := httptest.NewServer(env.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/messages/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the handler a moment to register its subscription.
	time.Sleep(100 * time.Millisecond)

	body := webhookBody("m1", "+111", "2025-01-01T10:00:00Z")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/webhook", strings.NewReader(string(body)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Signature", sign(testSecret, body))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var got msggate.Message
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.MessageID != "m1" {
		t.Fatalf("expected m1 on stream, got %q", got.MessageID)
	}
}

func TestStreamDisabledReturns404(t *testing.T) {
	env := newTestEnv(t, testSecret, ServerConfig{})
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/messages/stream", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when stream disabled, got %d", rec.Code)
	}
}
