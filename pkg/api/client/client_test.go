package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExecuteSendsBearerAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/pipelines/pipe-1/execute" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["environment_id"] != "env-1" {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"execution_id": "exec-1", "status": "started"})
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := cli.Execute(context.Background(), "tok", "pipe-1", "env-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExecutionID != "exec-1" || res.Status != "started" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestLastExecutionAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"last_execution":null}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	exec, err := cli.LastExecution(context.Background(), "", "pipe-1")
	if err != nil {
		t.Fatalf("LastExecution: %v", err)
	}
	if exec != nil {
		t.Fatalf("expected nil execution, got %+v", exec)
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"pipeline not found"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.GetExecution(context.Background(), "", "missing")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "pipeline not found" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestWebsocketURL(t *testing.T) {
	cli, _ := New("https://ci.example.com/")
	if got := cli.WebsocketURL(); got != "wss://ci.example.com/ws/executions" {
		t.Fatalf("unexpected websocket url %q", got)
	}
	cli, _ = New("localhost:4000")
	if got := cli.WebsocketURL(); got != "ws://localhost:4000/ws/executions" {
		t.Fatalf("unexpected websocket url %q", got)
	}
}
