package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"inference endpoint cold start: app for invoked web endpoint is stopped", true},
		{"context deadline exceeded", true},
		{"dial tcp: connect: connection refused", true},
		{"inference endpoint returned http 503", true},
		{"inference endpoint returned http 400: bad prompt", false},
		{"unexpected eof", true},
	}
	for _, tt := range tests {
		if got := isRetriable(errors.New(tt.err)); got != tt.want {
			t.Errorf("isRetriable(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestInferenceClientDispatchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-png-bytes"))
	}))
	defer srv.Close()

	c := NewInferenceClient(slog.Default(), true)
	req := ImageRequest{Prompt: "a cat", AspectRatio: "1:1", Model: "openflux1"}

	result, err := c.Dispatch(context.Background(), srv.URL, req, ImageT2I)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if string(result.Data) != "fake-png-bytes" {
		t.Errorf("Data = %q, want fake-png-bytes", result.Data)
	}
	if result.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", result.ContentType)
	}
}

func TestInferenceClientDispatchColdStartRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.Write([]byte("app for invoked web endpoint is stopped"))
			return
		}
		w.Write([]byte("ok-bytes"))
	}))
	defer srv.Close()

	c := NewInferenceClient(slog.Default(), true)
	c.retryInterval = 10 * time.Millisecond
	req := ImageRequest{Prompt: "a cat", AspectRatio: "1:1", Model: "openflux1"}

	result, err := c.Dispatch(context.Background(), srv.URL, req, ImageT2I)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if string(result.Data) != "ok-bytes" {
		t.Errorf("Data = %q, want ok-bytes", result.Data)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestInferenceClientDispatchDownloadsTemporaryURL(t *testing.T) {
	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("staged-png-bytes"))
	}))
	defer artifact.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"image_url": "` + artifact.URL + `"}`))
	}))
	defer srv.Close()

	c := NewInferenceClient(slog.Default(), true)
	req := ImageRequest{Prompt: "a cat", AspectRatio: "1:1", Model: "openflux1"}

	result, err := c.Dispatch(context.Background(), srv.URL, req, ImageT2I)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if string(result.Data) != "staged-png-bytes" {
		t.Errorf("Data = %q, want staged-png-bytes", result.Data)
	}
	if result.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", result.ContentType)
	}
}

func TestInferenceClientDispatchJSONWithoutURLFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "accepted"}`))
	}))
	defer srv.Close()

	c := NewInferenceClient(slog.Default(), true)
	req := ImageRequest{Prompt: "a cat", AspectRatio: "1:1", Model: "openflux1"}

	if _, err := c.Dispatch(context.Background(), srv.URL, req, ImageT2I); err == nil {
		t.Fatal("expected error for JSON response carrying no artifact url")
	}
}

func TestInferenceClientDispatchNonRetriable4xxGivesUpImmediately(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad prompt"))
	}))
	defer srv.Close()

	c := NewInferenceClient(slog.Default(), true)
	req := ImageRequest{Prompt: "a cat", AspectRatio: "1:1", Model: "openflux1"}

	_, err := c.Dispatch(context.Background(), srv.URL, req, ImageT2I)
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (non-retriable should not retry)", attempts)
	}
}

func TestInferenceClientDispatchVideoExhaustsSingleTry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewInferenceClient(slog.Default(), true)
	req := VideoRequest{Type: "video", Prompt: "animate", Model: "wan2.2"}

	_, err := c.Dispatch(context.Background(), srv.URL, req, VideoT2V)
	if err == nil {
		t.Fatal("expected error after exhausting video's single attempt")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (video gets no retries)", attempts)
	}
}
