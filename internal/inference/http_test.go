package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDoRequestSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["prompt"] != "hello" {
			t.Errorf("expected prompt 'hello', got %q", body["prompt"])
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"context": "abc"})
	}))
	defer srv.Close()

	body, err := DoRequest(context.Background(), srv.Client(), srv.URL, map[string]string{"prompt": "hello"})
	if err != nil {
		t.Fatalf("DoRequest: %v", err)
	}
	var resp map[string]string
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp["context"] != "abc" {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestDoRequestNon2xxReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("engine unloaded"))
	}))
	defer srv.Close()

	_, err := DoRequest(context.Background(), srv.Client(), srv.URL, map[string]string{})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", se.StatusCode)
	}
}

func TestDoRequestForwardsRequestID(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := WithRequestID(context.Background(), "req-xyz")
	if _, err := DoRequest(ctx, srv.Client(), srv.URL, map[string]string{}); err != nil {
		t.Fatal(err)
	}
	if gotHeader != "req-xyz" {
		t.Errorf("expected X-Request-ID forwarded, got %q", gotHeader)
	}
}

func TestDoRequestConnectionError(t *testing.T) {
	_, err := DoRequest(context.Background(), http.DefaultClient, "http://127.0.0.1:1/nope", map[string]string{})
	if err == nil {
		t.Fatal("expected connection error")
	}
}
