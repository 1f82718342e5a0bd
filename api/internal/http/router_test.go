package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/pipelines/api/internal/domain"
	"github.com/splax/pipelines/api/internal/repository/memory"
	"github.com/splax/pipelines/api/internal/service/engine"
	"github.com/splax/pipelines/api/internal/service/events"
	"github.com/splax/pipelines/api/internal/service/execution"
	"github.com/splax/pipelines/api/internal/service/pipeline"
	"github.com/splax/pipelines/api/internal/ws"
	"github.com/splax/pipelines/pkg/jwt"
)

const testSecret = "test-secret"

type testEnv struct {
	router     *Router
	store      *memory.Store
	executions *execution.Service
	events     events.Service
	logger     *slog.Logger
	token      string
}

// gateRunner holds every stage until release is closed.
type gateRunner struct {
	release chan struct{}
}

func (g gateRunner) RunStage(ctx context.Context, run engine.StageRun) (string, error) {
	select {
	case <-g.release:
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func newTestEnv(t *testing.T, runner engine.Runner) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	eventSvc := events.New(hub, logger)
	eng := engine.New(store, store, runner, eventSvc, logger)
	execSvc := execution.New(store, store, eng, logger, execution.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		execSvc.Shutdown(ctx)
	})
	reg := prometheus.NewRegistry()
	router := NewRouter(logger, pipeline.New(store, logger), execSvc, eventSvc, testSecret, store.Ping, Options{Registerer: reg, Gatherer: reg})

	token, err := jwt.GenerateToken("alice", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return &testEnv{router: router, store: store, executions: execSvc, events: eventSvc, logger: logger, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthzWithoutAuth(t *testing.T) {
	env := newTestEnv(t, engine.SimulatedRunner{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRoutesRequireBearerToken(t *testing.T) {
	env := newTestEnv(t, engine.SimulatedRunner{})
	req := httptest.NewRequest(http.MethodGet, "/executions/abc", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/executions/abc", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
}

func TestExecuteAndFetchExecution(t *testing.T) {
	env := newTestEnv(t, engine.SimulatedRunner{})
	if rec := env.do(t, http.MethodPost, "/pipelines", `{"id":"pipe-1","name":"web"}`); rec.Code != http.StatusCreated {
		t.Fatalf("create pipeline: %d %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/pipelines/pipe-1/execute", `{"environment_id":"staging"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("execute: %d %s", rec.Code, rec.Body.String())
	}
	started := decode[execution.DispatchResult](t, rec)
	if started.Status != "started" || started.Token == "" {
		t.Fatalf("unexpected dispatch result %+v", started)
	}
	env.executions.Wait()

	rec = env.do(t, http.MethodGet, "/executions/"+started.Token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get execution: %d %s", rec.Code, rec.Body.String())
	}
	exec := decode[executionResponse](t, rec)
	if exec.Status != "success" || len(exec.Stages) != 3 {
		t.Fatalf("expected success with 3 stages, got %s with %d", exec.Status, len(exec.Stages))
	}
	if exec.TriggeredBy != "alice" {
		t.Fatalf("expected actor from token, got %q", exec.TriggeredBy)
	}
	if exec.EnvironmentID == nil || *exec.EnvironmentID != "staging" {
		t.Fatalf("expected environment staging, got %v", exec.EnvironmentID)
	}
	if exec.FinishedAt == nil {
		t.Fatal("terminal execution should report finished_at")
	}

	rec = env.do(t, http.MethodGet, "/pipelines/pipe-1/executions/last", "")
	last := decode[map[string]*executionResponse](t, rec)
	if last["last_execution"] == nil || last["last_execution"].ID != started.Token {
		t.Fatalf("unexpected last execution %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/pipelines/pipe-1/executions?limit=5", "")
	history := decode[[]executionResponse](t, rec)
	if len(history) != 1 {
		t.Fatalf("expected 1 execution in history, got %d", len(history))
	}
}

func TestExecuteUnknownPipeline(t *testing.T) {
	env := newTestEnv(t, engine.SimulatedRunner{})
	rec := env.do(t, http.MethodPost, "/pipelines/missing/execute", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestLastExecutionAbsent(t *testing.T) {
	env := newTestEnv(t, engine.SimulatedRunner{})
	env.do(t, http.MethodPost, "/pipelines", `{"id":"pipe-1","name":"web"}`)
	rec := env.do(t, http.MethodGet, "/pipelines/pipe-1/executions/last", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"last_execution":null}` {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestPipelineConfigWarning(t *testing.T) {
	env := newTestEnv(t, engine.SimulatedRunner{})
	env.do(t, http.MethodPost, "/pipelines", `{"id":"pipe-1","name":"web"}`)
	rec := env.do(t, http.MethodPut, "/pipelines/pipe-1", `{"config":"stages: {"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	p := decode[pipelineResponse](t, rec)
	if p.Warning == "" {
		t.Fatal("expected a warning for an unusable configuration")
	}
}

func TestCancelExecution(t *testing.T) {
	gate := gateRunner{release: make(chan struct{})}
	env := newTestEnv(t, gate)
	env.do(t, http.MethodPost, "/pipelines", `{"id":"pipe-1","name":"web"}`)
	started := decode[execution.DispatchResult](t, env.do(t, http.MethodPost, "/pipelines/pipe-1/execute", ""))

	rec := env.do(t, http.MethodPost, "/executions/"+started.Token+"/cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	env.executions.Wait()

	exec, _ := env.store.GetExecutionByToken(context.Background(), started.Token)
	if exec.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", exec.Status)
	}
	rec = env.do(t, http.MethodPost, "/executions/"+started.Token+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for finished execution, got %d", rec.Code)
	}
}

func TestWebsocketJoinReceivesEvents(t *testing.T) {
	gate := gateRunner{release: make(chan struct{})}
	env := newTestEnv(t, gate)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	env.do(t, http.MethodPost, "/pipelines", `{"id":"pipe-1","name":"web","config":"stages:\n  - name: Lint\n    type: test\n"}`)
	started := decode[execution.DispatchResult](t, env.do(t, http.MethodPost, "/pipelines/pipe-1/execute", ""))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/executions?access_token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	join := map[string]any{"event": "join_execution", "data": map[string]string{"execution_id": started.Token}}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("join: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg events.Envelope
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if msg.Event != "joined" {
		t.Fatalf("expected joined ack, got %+v", msg)
	}
	close(gate.release)

	var seen []string
	for {
		msg = events.Envelope{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read event after %v: %v", seen, err)
		}
		seen = append(seen, msg.Event+":"+msg.Data["status"].(string))
		if msg.Event == "execution_update" && msg.Data["status"] == "success" {
			break
		}
	}
	if seen[len(seen)-2] != "stage_update:success" {
		t.Fatalf("stage success should precede final execution update, got %v", seen)
	}
}

func TestExecutionEventsStreamSnapshot(t *testing.T) {
	gate := gateRunner{release: make(chan struct{})}
	env := newTestEnv(t, gate)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	env.do(t, http.MethodPost, "/pipelines", `{"id":"pipe-1","name":"web"}`)
	started := decode[execution.DispatchResult](t, env.do(t, http.MethodPost, "/pipelines/pipe-1/execute", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/executions/"+started.Token+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"event":"snapshot"`) {
		t.Fatalf("expected snapshot frame, got %q", line)
	}
	close(gate.release)
}

// hookedStream runs afterSubscribe once the observer is registered.
type hookedStream struct {
	EventStream
	afterSubscribe func()
}

func (h hookedStream) Subscribe(token string, sub ws.Subscriber) {
	h.EventStream.Subscribe(token, sub)
	if h.afterSubscribe != nil {
		h.afterSubscribe()
	}
}

func TestExecutionEventsStreamKeepsTransitionsAroundSnapshot(t *testing.T) {
	gate := gateRunner{release: make(chan struct{})}
	env := newTestEnv(t, gate)
	env.do(t, http.MethodPost, "/pipelines", `{"id":"pipe-1","name":"web"}`)
	started := decode[execution.DispatchResult](t, env.do(t, http.MethodPost, "/pipelines/pipe-1/execute", ""))

	// The run finishes after the observer subscribed and before the snapshot is read.
	stream := hookedStream{EventStream: env.events, afterSubscribe: func() {
		close(gate.release)
		env.executions.Wait()
	}}
	reg := prometheus.NewRegistry()
	router := NewRouter(env.logger, pipeline.New(env.store, env.logger), env.executions, stream, testSecret, env.store.Ping, Options{Registerer: reg, Gatherer: reg})
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/executions/"+started.Token+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var frames []events.Envelope
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame events.Envelope
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		frames = append(frames, frame)
		if frame.Event == "execution_update" && frame.Data["status"] == "success" {
			break
		}
	}
	if len(frames) == 0 || frames[0].Event != "snapshot" {
		t.Fatalf("expected snapshot as first frame, got %+v", frames)
	}
	if frames[0].Data["status"] != "success" {
		t.Fatalf("snapshot should reflect the finished run, got %v", frames[0].Data["status"])
	}
	last := frames[len(frames)-1]
	if last.Event != "execution_update" || last.Data["status"] != "success" {
		t.Fatalf("terminal transition missing from stream: %+v", frames)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, engine.SimulatedRunner{})
	env.do(t, http.MethodGet, "/healthz", "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "peep_api_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}
