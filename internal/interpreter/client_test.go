package interpreter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestInterpretSuccess(t *testing.T) {
	var gotReq interpretRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(Result{
			Summary: "A dream about change.",
			Symbols: []string{"water", "door"},
			Mood:    "calm",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	result, err := c.Interpret(context.Background(), "I swam through a door.", "deep", "en")
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if result.Summary != "A dream about change." || len(result.Symbols) != 2 {
		t.Errorf("result = %+v", result)
	}
	if gotReq.Class != "deep" || gotReq.Locale != "en" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestInterpretRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Result{Summary: "Second time lucky."})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	result, err := c.Interpret(context.Background(), "text", "basic", "en")
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if result.Summary != "Second time lucky." {
		t.Errorf("summary = %q", result.Summary)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestInterpretGivesUpAfterRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.Interpret(context.Background(), "text", "basic", "en"); err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls.Load())
	}
}

func TestInterpretRejectsEmptySummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Result{Summary: ""})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.Interpret(context.Background(), "text", "basic", "en"); err == nil {
		t.Fatal("expected error for empty summary")
	}
}

func TestInterpretUnconfigured(t *testing.T) {
	c := NewClient("", "")
	if c.Configured() {
		t.Error("empty endpoint reported as configured")
	}
	if _, err := c.Interpret(context.Background(), "text", "basic", "en"); err == nil {
		t.Fatal("expected error when unconfigured")
	}
}
