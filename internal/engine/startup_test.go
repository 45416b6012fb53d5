package engine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnsureReady_EngineDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := EnsureReady(context.Background(), NewOllama(srv.URL), "mistral-nemo", "nomic-embed-text", io.Discard)
	if err == nil {
		t.Fatal("expected error when the engine is down")
	}
	if !strings.Contains(err.Error(), "not running") {
		t.Errorf("error = %q, want it to mention the engine not running", err)
	}
}

func TestEnsureReady_MissingModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("mistral-nemo:latest"))
	}))
	defer srv.Close()

	err := EnsureReady(context.Background(), NewOllama(srv.URL), "mistral-nemo", "nomic-embed-text", io.Discard)
	if err == nil {
		t.Fatal("expected error for the missing embed model")
	}
	if !strings.Contains(err.Error(), "nomic-embed-text") {
		t.Errorf("error = %q, want it to name the missing model", err)
	}
}

func TestEnsureReady_AllPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("mistral-nemo:latest", "nomic-embed-text:latest"))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := EnsureReady(context.Background(), NewOllama(srv.URL), "mistral-nemo", "nomic-embed-text", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !strings.Contains(out.String(), "mistral-nemo: ready") {
		t.Errorf("readiness output missing judge model: %q", out.String())
	}
	if !strings.Contains(out.String(), "nomic-embed-text: ready") {
		t.Errorf("readiness output missing embed model: %q", out.String())
	}
}

func TestEnsureReady_SharedModelCheckedOnce(t *testing.T) {
	var tagCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tagCalls++
		w.Write(tagsJSON("mistral-nemo:latest"))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := EnsureReady(context.Background(), NewOllama(srv.URL), "mistral-nemo", "mistral-nemo", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	// One IsRunning probe plus one HasModel lookup for the shared model.
	if tagCalls != 2 {
		t.Errorf("tag requests = %d, want 2", tagCalls)
	}
	if got := strings.Count(out.String(), "ready"); got != 1 {
		t.Errorf("shared model reported %d times, want once", got)
	}
}
