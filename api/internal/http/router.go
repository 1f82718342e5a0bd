package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/pipelines/api/internal/domain"
	"github.com/splax/pipelines/api/internal/repository"
	"github.com/splax/pipelines/api/internal/service/execution"
	"github.com/splax/pipelines/api/internal/service/pipeline"
	"github.com/splax/pipelines/api/internal/ws"
)

// EventStream manages observer membership of execution scopes.
type EventStream interface {
	Subscribe(token string, sub ws.Subscriber)
	Unsubscribe(token string, sub ws.Subscriber)
}

// Options tunes the router.
type Options struct {
	Registerer   prometheus.Registerer
	Gatherer     prometheus.Gatherer
	SSEHeartbeat time.Duration
	HistoryLimit int
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	pipelines    pipeline.Service
	executions   *execution.Service
	events       EventStream
	upgrader     websocket.Upgrader
	jwtSecret    string
	dbHealth     func(context.Context) error
	heartbeat    time.Duration
	historyLimit int

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	streamsOpen        *prometheus.GaugeVec
}

const (
	healthCheckTimeout  = 2 * time.Second
	defaultHeartbeat    = 25 * time.Second
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, pipelines pipeline.Service, executions *execution.Service, events EventStream, jwtSecret string, dbHealth func(context.Context) error, opts Options) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		pipelines:  pipelines,
		executions: executions,
		events:     events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		jwtSecret:    jwtSecret,
		dbHealth:     dbHealth,
		heartbeat:    opts.SSEHeartbeat,
		historyLimit: opts.HistoryLimit,
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
	}
	if r.historyLimit <= 0 {
		r.historyLimit = defaultHistoryLimit
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics(reg)
	r.register(gatherer)
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register(gatherer prometheus.Gatherer) {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/pipelines", r.audit("/pipelines", r.requireAuth(r.handlePipelines)))
	r.mux.HandleFunc("/pipelines/", r.audit("/pipelines/{id}", r.requireAuth(r.handlePipelineSubroutes)))
	r.mux.HandleFunc("/executions/", r.audit("/executions/{id}", r.requireAuth(r.handleExecutionSubroutes)))
	r.mux.HandleFunc("/ws/executions", r.audit("/ws/executions", r.requireAuth(r.handleExecutionsWS)))
}

func (r *Router) handlePipelines(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Config string `json:"config"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := r.pipelines.Create(req.Context(), pipeline.CreateInput{ID: payload.ID, Name: payload.Name, Config: payload.Config})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPipelineResponse(res))
}

func (r *Router) handlePipelineSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/pipelines/"), "/")
	parts := strings.Split(trimmed, "/")
	if trimmed == "" || parts[0] == "" {
		r.notFound(w)
		return
	}
	pipelineID := parts[0]
	switch {
	case len(parts) == 1:
		r.handlePipeline(w, req, pipelineID)
	case len(parts) == 2 && parts[1] == "execute":
		r.handleExecute(w, req, pipelineID)
	case len(parts) == 2 && parts[1] == "executions":
		r.handleHistory(w, req, pipelineID)
	case len(parts) == 3 && parts[1] == "executions" && parts[2] == "last":
		r.handleLastExecution(w, req, pipelineID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handlePipeline(w http.ResponseWriter, req *http.Request, pipelineID string) {
	switch req.Method {
	case http.MethodGet:
		res, err := r.pipelines.Get(req.Context(), pipelineID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, newPipelineResponse(res))
	case http.MethodPut:
		var payload struct {
			Config string `json:"config"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		res, err := r.pipelines.UpdateConfig(req.Context(), pipelineID, payload.Config)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, newPipelineResponse(res))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleExecute(w http.ResponseWriter, req *http.Request, pipelineID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		EnvironmentID string `json:"environment_id"`
	}
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for execution dispatch", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	in := execution.DispatchInput{PipelineID: pipelineID, TriggeredBy: info.Actor}
	if env := strings.TrimSpace(payload.EnvironmentID); env != "" {
		in.EnvironmentID = &env
	}
	res, err := r.executions.Dispatch(req.Context(), in)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request, pipelineID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit := r.historyLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}
	execs, err := r.executions.List(req.Context(), pipelineID, limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]executionResponse, 0, len(execs))
	for i := range execs {
		out = append(out, newExecutionResponse(&execs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleLastExecution(w http.ResponseWriter, req *http.Request, pipelineID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	exec, err := r.executions.Last(req.Context(), pipelineID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	var last *executionResponse
	if exec != nil {
		resp := newExecutionResponse(exec)
		last = &resp
	}
	writeJSON(w, http.StatusOK, map[string]any{"last_execution": last})
}

func (r *Router) handleExecutionSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/executions/"), "/")
	parts := strings.Split(trimmed, "/")
	if trimmed == "" || parts[0] == "" {
		r.notFound(w)
		return
	}
	token := parts[0]
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		exec, err := r.executions.Get(req.Context(), token)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, newExecutionResponse(exec))
	case len(parts) == 2 && parts[1] == "cancel":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if err := r.executions.Cancel(req.Context(), token); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": token, "status": "cancelling"})
	case len(parts) == 2 && parts[1] == "events":
		r.handleExecutionEvents(w, req, token)
	default:
		r.notFound(w)
	}
}

// handleExecutionEvents streams one execution's events as Server-Sent Events.
// The client subscribes paused before the snapshot is read, so the first frame
// is the snapshot and no transition after it is lost. Frames queued while the
// snapshot was taken follow it and may repeat transitions it already shows.
func (r *Router) handleExecutionEvents(w http.ResponseWriter, req *http.Request, token string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	client := ws.NewSSEClient(w, r.logger)
	r.events.Subscribe(token, client)
	defer func() {
		r.events.Unsubscribe(token, client)
		client.Close()
	}()

	exec, err := r.executions.Get(req.Context(), token)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	snapshot, err := json.Marshal(map[string]any{"event": "snapshot", "data": newExecutionResponse(exec)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode snapshot")
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	r.trackStream("sse", 1)
	defer r.trackStream("sse", -1)
	if err := client.Start(snapshot); err != nil {
		return
	}

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

type socketMessage struct {
	Event string `json:"event"`
	Data  struct {
		ExecutionID string `json:"execution_id"`
	} `json:"data"`
}

// handleExecutionsWS upgrades to a websocket on which the client joins and
// leaves execution scopes with join_execution and leave_execution messages.
func (r *Router) handleExecutionsWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.trackStream("websocket", 1)
	ctx := context.WithoutCancel(req.Context())
	go func() {
		joined := make(map[string]struct{})
		defer func() {
			for token := range joined {
				r.events.Unsubscribe(token, client)
			}
			client.Close()
			r.trackStream("websocket", -1)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg socketMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				r.sendSocket(client, "error", map[string]string{"message": "invalid message"})
				continue
			}
			token := strings.TrimSpace(msg.Data.ExecutionID)
			switch msg.Event {
			case "join_execution":
				if _, err := r.executions.Get(ctx, token); err != nil {
					r.sendSocket(client, "error", map[string]string{"execution_id": token, "message": "execution not found"})
					continue
				}
				if _, ok := joined[token]; !ok {
					r.events.Subscribe(token, client)
					joined[token] = struct{}{}
				}
				r.sendSocket(client, "joined", map[string]string{"execution_id": token})
			case "leave_execution":
				if _, ok := joined[token]; ok {
					r.events.Unsubscribe(token, client)
					delete(joined, token)
				}
				r.sendSocket(client, "left", map[string]string{"execution_id": token})
			default:
				r.sendSocket(client, "error", map[string]string{"message": "unknown event"})
			}
		}
	}()
}

func (r *Router) sendSocket(client *ws.Client, event string, data any) {
	payload, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		return
	}
	_ = client.Send(payload)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	components["executions"] = map[string]any{"running": r.executions.Running()}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps service and repository errors onto HTTP statuses.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, execution.ErrInvalidRequest), errors.Is(err, pipeline.ErrInvalidPipeline):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, execution.ErrAlreadyFinished), errors.Is(err, execution.ErrNotOwned), errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, execution.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Actor
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func newPipelineResponse(res pipeline.Result) pipelineResponse {
	p := res.Pipeline
	return pipelineResponse{
		ID:        p.ID,
		Name:      p.Name,
		Config:    p.Config,
		Warning:   res.Warning,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func newExecutionResponse(exec *domain.Execution) executionResponse {
	stages := make([]stageResponse, 0, len(exec.Stages))
	for _, st := range exec.Stages {
		stages = append(stages, stageResponse{
			OrderIndex: st.OrderIndex,
			Name:       st.StageName,
			Type:       string(st.StageType),
			Status:     string(st.Status),
			StartedAt:  st.StartedAt,
			FinishedAt: st.FinishedAt,
			Logs:       st.Logs,
		})
	}
	return executionResponse{
		ID:            exec.Token,
		PipelineID:    exec.PipelineID,
		Status:        string(exec.Status),
		TriggeredBy:   exec.TriggeredBy,
		EnvironmentID: exec.EnvironmentID,
		Logs:          exec.Logs,
		ErrorMessage:  exec.ErrorMessage,
		CreatedAt:     exec.CreatedAt,
		StartedAt:     exec.StartedAt,
		FinishedAt:    exec.FinishedAt,
		Stages:        stages,
	}
}
