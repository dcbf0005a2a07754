package workerrun

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Register_SendsExpectedPayloadAndAuth(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "w1", "status": "online"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok123")
	worker, err := c.Register(t.Context(), "host1", "1.0.0", []string{"agent_run"}, 2)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if worker.ID != "w1" {
		t.Fatalf("expected worker id w1, got %q", worker.ID)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
	if gotBody["hostname"] != "host1" {
		t.Fatalf("expected hostname in request body, got %+v", gotBody)
	}
}

func TestClient_Claim_SetsWorkerIDHeader(t *testing.T) {
	var gotWorkerHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWorkerHeader = r.Header.Get("X-Worker-Id")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "t1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	task, err := c.Claim(t.Context(), "t1", "w1")
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if task.ID != "t1" {
		t.Fatalf("expected task id t1, got %q", task.ID)
	}
	if gotWorkerHeader != "w1" {
		t.Fatalf("expected X-Worker-Id header, got %q", gotWorkerHeader)
	}
}

func TestClient_Do_PropagatesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"conflict"}`, http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.Claim(t.Context(), "t1", "w1")
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
