package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/streamdesk/internal/audit"
	"github.com/basket/streamdesk/internal/bus"
	"github.com/basket/streamdesk/internal/config"
	"github.com/basket/streamdesk/internal/connections"
	"github.com/basket/streamdesk/internal/gateway"
	"github.com/basket/streamdesk/internal/generation"
	"github.com/basket/streamdesk/internal/ledger"
	"github.com/basket/streamdesk/internal/persistence"
	"github.com/basket/streamdesk/internal/prompts"
	"github.com/basket/streamdesk/internal/shared"
	"github.com/basket/streamdesk/internal/stream"
)

type harness struct {
	url      string
	registry *connections.Registry
	ledger   *ledger.Ledger
	sup      *stream.Supervisor
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSource behaves by input text: "fail" streams a fragment and then
// errors, "block" streams a fragment and waits for cancellation, anything
// else is echoed word by word.
func scriptedSource() generation.Source {
	echo := generation.EchoSource{}
	return generation.SourceFunc(func(ctx context.Context, req generation.Request) iter.Seq2[string, error] {
		switch req.Text {
		case "fail":
			return func(yield func(string, error) bool) {
				if !yield("partial ", nil) {
					return
				}
				yield("", errors.New("model overloaded"))
			}
		case "block":
			return func(yield func(string, error) bool) {
				if !yield("first ", nil) {
					return
				}
				<-ctx.Done()
			}
		default:
			return echo.Stream(ctx, req)
		}
	})
}

func newHarness(t *testing.T, opts ...func(*gateway.Config)) *harness {
	t.Helper()
	return newHarnessWith(t, nil, opts...)
}

func newHarnessWith(t *testing.T, b *bus.Bus, opts ...func(*gateway.Config)) *harness {
	t.Helper()
	logger := quietLogger()
	reg := connections.NewRegistry(logger)
	l := ledger.New(logger)
	orch := stream.NewOrchestrator(reg, l, scriptedSource(), logger, stream.WithBus(b))
	sup := stream.NewSupervisor(context.Background(), orch, l, logger)
	cat, err := prompts.New(prompts.DefaultCatalog)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	cfg := gateway.Config{
		Registry:   reg,
		Ledger:     l,
		Supervisor: sup,
		Prompts:    cat,
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		srv.Close()
	})
	return &harness{url: srv.URL, registry: reg, ledger: l, sup: sup}
}

func (h *harness) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.url, "http")+"/ws/"+user, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	waitFor(t, func() bool { return h.registry.HasConnection(user) })
	return conn
}

func (h *harness) post(t *testing.T, path, user string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, h.url+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (h *harness) getJSON(t *testing.T, path string, hdr http.Header, into any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.url+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func submit(t *testing.T, h *harness, user, text string) string {
	t.Helper()
	resp, body := h.post(t, "/api/process", user, map[string]any{"text": text, "buttonNumber": 1, "roleNumber": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process status = %d, body %v", resp.StatusCode, body)
	}
	if body["status"] != "ok" || body["message"] != "Processing started" {
		t.Fatalf("unexpected process body %v", body)
	}
	id, _ := body["requestId"].(string)
	if !shared.IsRequestID(id) {
		t.Fatalf("request id %q has the wrong shape", id)
	}
	return id
}

func readEvent(t *testing.T, conn *websocket.Conn) stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev stream.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// expectSilence closes conn as a side effect when the read times out.
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	var ev stream.Event
	if err := wsjson.Read(ctx, conn, &ev); err == nil {
		t.Fatalf("expected no further events, got %+v", ev)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcess_StreamsStartChunksDone(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "alice")

	id := submit(t, h, "alice", "hello")

	ev := readEvent(t, conn)
	if ev.Type != stream.TypeStart || ev.RequestID != id {
		t.Fatalf("first event = %+v", ev)
	}
	seq := 0
	for {
		ev = readEvent(t, conn)
		if ev.RequestID != id {
			t.Fatalf("event for wrong request: %+v", ev)
		}
		if ev.Type == stream.TypeDone {
			break
		}
		if ev.Type != stream.TypeChunk {
			t.Fatalf("unexpected event %+v", ev)
		}
		seq++
		if ev.Seq != seq {
			t.Fatalf("chunk seq = %d, want %d", ev.Seq, seq)
		}
	}
	if seq == 0 {
		t.Fatal("expected at least one chunk")
	}
	waitFor(t, func() bool { return h.ledger.Len() == 0 })
}

func TestProcess_NoConnectionIsConflict(t *testing.T) {
	h := newHarness(t)

	resp, body := h.post(t, "/api/process", "nobody", map[string]any{"text": "hello", "buttonNumber": 1, "roleNumber": 1})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Fatalf("expected error body, got %v", body)
	}
	if h.ledger.Len() != 0 || h.sup.InFlight() != 0 {
		t.Fatal("no request should have been registered or spawned")
	}
}

func TestCancel_StopsStreamWithoutTerminal(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "carol")

	id := submit(t, h, "carol", "block")
	if ev := readEvent(t, conn); ev.Type != stream.TypeStart {
		t.Fatalf("first event = %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Type != stream.TypeChunk || ev.Seq != 1 {
		t.Fatalf("second event = %+v", ev)
	}

	resp, body := h.post(t, "/api/cancel", "carol", map[string]string{"requestId": id})
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("cancel status = %d body %v", resp.StatusCode, body)
	}

	waitFor(t, func() bool {
		resp, _ := h.post(t, "/api/cancel", "carol", map[string]string{"requestId": id})
		return resp.StatusCode == http.StatusNotFound
	})
	expectSilence(t, conn, 200*time.Millisecond)
}

func TestCancel_OverWebsocket(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "dora")

	id := submit(t, h, "dora", "block")
	readEvent(t, conn) // start
	readEvent(t, conn) // chunk 1

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "cancel", "requestId": id}); err != nil {
		t.Fatalf("write cancel: %v", err)
	}

	waitFor(t, func() bool { return h.ledger.Len() == 0 })
	expectSilence(t, conn, 200*time.Millisecond)
}

func TestCancel_UnknownRequestIsNotFound(t *testing.T) {
	h := newHarness(t)
	resp, body := h.post(t, "/api/cancel", "erin", map[string]string{"requestId": "req_00000000000000000000000000000000"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if _, ok := body["error"]; !ok {
		t.Fatalf("expected error body, got %v", body)
	}
}

func TestCancel_SupersededRequestIsNotFound(t *testing.T) {
	h := newHarness(t)
	h.dial(t, "fred")

	first := submit(t, h, "fred", "block")
	second := submit(t, h, "fred", "block")

	resp, _ := h.post(t, "/api/cancel", "fred", map[string]string{"requestId": first})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel of superseded request = %d, want 404", resp.StatusCode)
	}
	resp, _ = h.post(t, "/api/cancel", "fred", map[string]string{"requestId": second})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel of active request = %d, want 200", resp.StatusCode)
	}
}

func TestProcess_SourceErrorThenResubmit(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "gail")

	id := submit(t, h, "gail", "fail")
	want := []stream.EventType{stream.TypeStart, stream.TypeChunk, stream.TypeError}
	var last stream.Event
	for _, typ := range want {
		last = readEvent(t, conn)
		if last.Type != typ || last.RequestID != id {
			t.Fatalf("event = %+v, want type %s", last, typ)
		}
	}
	if last.Code != stream.CodeProcessingError || last.Message != "model overloaded" {
		t.Fatalf("error event = %+v", last)
	}

	waitFor(t, func() bool { return h.ledger.Len() == 0 })
	next := submit(t, h, "gail", "again")
	if next == id {
		t.Fatal("request ids must be unique")
	}
	if ev := readEvent(t, conn); ev.Type != stream.TypeStart || ev.RequestID != next {
		t.Fatalf("resubmission start = %+v", ev)
	}
}

func TestProcess_ValidationErrors(t *testing.T) {
	h := newHarness(t)
	h.dial(t, "hank")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"text":`, http.StatusBadRequest},
		{"unknown button", map[string]any{"text": "x", "buttonNumber": 99, "roleNumber": 1}, http.StatusNotFound},
		{"unknown role", map[string]any{"text": "x", "buttonNumber": 1, "roleNumber": 0}, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := h.post(t, "/api/process", "hank", tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tc.want, body)
			}
			if _, ok := body["error"]; !ok {
				t.Fatalf("expected JSON error body, got %v", body)
			}
		})
	}
	if h.ledger.Len() != 0 {
		t.Fatal("rejected submissions must not register")
	}
}

func TestProcess_EmptyTextIsAccepted(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "ivy")

	resp, body := h.post(t, "/api/process", "ivy", map[string]any{"text": "", "buttonNumber": 1, "roleNumber": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	id, _ := body["requestId"].(string)
	if ev := readEvent(t, conn); ev.Type != stream.TypeStart || ev.RequestID != id {
		t.Fatalf("first event = %+v", ev)
	}
	for {
		ev := readEvent(t, conn)
		if ev.Type == stream.TypeDone {
			break
		}
		if ev.Type == stream.TypeError {
			t.Fatalf("unexpected error event %+v", ev)
		}
	}
}

func TestProcess_ShuttingDownIsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.dial(t, "ivy")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.sup.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	resp, _ := h.post(t, "/api/process", "ivy", map[string]any{"text": "x", "buttonNumber": 1, "roleNumber": 1})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if h.ledger.Len() != 0 {
		t.Fatal("slot should be released when spawn is refused")
	}
}

func TestWS_NewConnectionSupersedesOld(t *testing.T) {
	h := newHarness(t)
	old := h.dial(t, "jack")

	readErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _, err := old.Read(ctx)
		readErr <- err
	}()

	fresh := h.dial(t, "jack")
	select {
	case err := <-readErr:
		if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			t.Fatalf("old connection closed with %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("old connection was not closed")
	}

	if h.registry.Count() != 1 {
		t.Fatalf("registry count = %d", h.registry.Count())
	}
	id := submit(t, h, "jack", "hi")
	if ev := readEvent(t, fresh); ev.RequestID != id {
		t.Fatalf("fresh connection got %+v", ev)
	}
}

func TestWS_DisconnectRemovesConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "kate")
	_ = conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, func() bool { return !h.registry.HasConnection("kate") })

	resp, _ := h.post(t, "/api/process", "kate", map[string]any{"text": "x", "buttonNumber": 1, "roleNumber": 1})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, func(cfg *gateway.Config) {
		cfg.ConfigFingerprint = "cfg-test"
	})
	h.dial(t, "liam")

	for _, path := range []string{"/healthz", "/health"} {
		var body map[string]any
		if code := h.getJSON(t, path, nil, &body); code != http.StatusOK {
			t.Fatalf("%s status = %d", path, code)
		}
		if body["status"] != "ok" || body["connections"] != float64(1) || body["config_fingerprint"] != "cfg-test" {
			t.Fatalf("%s body = %v", path, body)
		}
		if v, _ := body["prompts_version"].(string); !strings.HasPrefix(v, "prompts-") {
			t.Fatalf("%s prompts_version = %v", path, body["prompts_version"])
		}
	}
}

func TestTraceIDHeader(t *testing.T) {
	h := newHarness(t)

	req, _ := http.NewRequest(http.MethodGet, h.url+"/healthz", nil)
	req.Header.Set("X-Trace-ID", "trace-from-client")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Trace-ID"); got != "trace-from-client" {
		t.Fatalf("echoed trace id = %q", got)
	}

	resp, err = http.Get(h.url + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Trace-ID"); got == "" || got == "trace-from-client" {
		t.Fatalf("minted trace id = %q", got)
	}
}

func TestPromptsEndpoint(t *testing.T) {
	h := newHarness(t)
	var body struct {
		Buttons []struct {
			Number int    `json:"number"`
			ID     string `json:"id"`
		} `json:"buttons"`
		Roles []struct {
			Number int    `json:"number"`
			ID     string `json:"id"`
		} `json:"roles"`
	}
	if code := h.getJSON(t, "/api/prompts", nil, &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body.Buttons) == 0 || len(body.Roles) == 0 {
		t.Fatalf("empty catalog listing %+v", body)
	}
	if body.Buttons[0].Number != 1 || body.Roles[0].Number != 1 {
		t.Fatalf("numbering should start at 1: %+v", body)
	}
}

func TestHistory_ReturnsRecordedRuns(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "streamdesk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	persistence.NewRecorder(store, b, quietLogger()).Run(ctx)

	h := newHarnessWith(t, b, func(cfg *gateway.Config) {
		cfg.Store = store
	})
	conn := h.dial(t, "mia")
	id := submit(t, h, "mia", "remember me")
	for {
		if ev := readEvent(t, conn); ev.Type == stream.TypeDone {
			break
		}
	}

	hdr := http.Header{"X-User-ID": []string{"mia"}}
	var body struct {
		UserID string            `json:"user_id"`
		Runs   []persistence.Run `json:"runs"`
	}
	waitFor(t, func() bool {
		body.Runs = nil
		return h.getJSON(t, "/api/history?limit=5", hdr, &body) == http.StatusOK && len(body.Runs) == 1
	})
	run := body.Runs[0]
	if body.UserID != "mia" || run.RequestID != id || run.Outcome != persistence.OutcomeCompleted || run.Input != "remember me" {
		t.Fatalf("unexpected history %+v", body)
	}

	var raw struct {
		Runs []map[string]any `json:"runs"`
	}
	h.getJSON(t, "/api/history?limit=5", hdr, &raw)
	ms, ok := raw.Runs[0]["duration_ms"].(float64)
	if !ok || ms < 0 || ms > 60_000 {
		t.Fatalf("duration_ms = %v, want milliseconds", raw.Runs[0]["duration_ms"])
	}

	if code := h.getJSON(t, "/api/history?limit=abc", hdr, nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", code)
	}
}

func TestAuth_KeyPinsUser(t *testing.T) {
	h := newHarness(t, func(cfg *gateway.Config) {
		cfg.Auth = config.AuthConfig{
			Enabled: true,
			Keys:    []config.APIKeyEntry{{Key: "k-nora", Name: "laptop", User: "nora"}},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.url, "http") + "/ws?api_key=k-nora"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial with key: %v", err)
	}
	defer conn.CloseNow()
	waitFor(t, func() bool { return h.registry.HasConnection("nora") })

	if _, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.url, "http")+"/ws", nil); err == nil {
		t.Fatal("dial without key should fail")
	}

	// X-User-ID cannot override the key's user.
	req, _ := http.NewRequest(http.MethodPost, h.url+"/api/process",
		strings.NewReader(`{"text":"hi","buttonNumber":1,"roleNumber":1}`))
	req.Header.Set("Authorization", "Bearer k-nora")
	req.Header.Set("X-User-ID", "someone-else")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ev := readEvent(t, conn); ev.Type != stream.TypeStart {
		t.Fatalf("expected start on nora's connection, got %+v", ev)
	}
}

func TestAuditRecordsDenials(t *testing.T) {
	home := t.TempDir()
	log, err := audit.Open(home)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	h := newHarness(t, func(cfg *gateway.Config) {
		cfg.Audit = log
		cfg.Auth = config.AuthConfig{
			Enabled: true,
			Keys:    []config.APIKeyEntry{{Key: "k-nora", User: "nora"}},
		}
		cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 1}
	})

	resp, _ := h.post(t, "/api/process", "", map[string]any{"text": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	for range 2 {
		req, _ := http.NewRequest(http.MethodGet, h.url+"/api/prompts", nil)
		req.Header.Set("Authorization", "Bearer k-nora")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET prompts: %v", err)
		}
		resp.Body.Close()
	}
	if got := log.DenyCount(); got != 2 {
		t.Fatalf("DenyCount = %d, want 2", got)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	text := string(raw)
	for _, want := range []string{`"missing_api_key"`, `"ratelimit"`, `"/api/prompts"`} {
		if !strings.Contains(text, want) {
			t.Errorf("audit log missing %s:\n%s", want, text)
		}
	}
	if strings.Contains(text, "k-nora") {
		t.Error("audit log leaked the API key")
	}
}

func TestUserFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		build func() *http.Request
		want  string
	}{
		{"default", func() *http.Request { return httptest.NewRequest("GET", "/api/history", nil) }, shared.DefaultUserID},
		{"header", func() *http.Request {
			r := httptest.NewRequest("GET", "/api/history?user_id=q", nil)
			r.Header.Set("X-User-ID", "h")
			return r
		}, "h"},
		{"query", func() *http.Request { return httptest.NewRequest("GET", "/api/history?user_id=q", nil) }, "q"},
		{"path", func() *http.Request {
			r := httptest.NewRequest("GET", "/ws/p", nil)
			r.SetPathValue("userId", "p")
			return r
		}, "p"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := gateway.UserFromRequest(tc.build()); got != tc.want {
				t.Fatalf("user = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMetricsEndpointWithoutMetricsIsNotFound(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
