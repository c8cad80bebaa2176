package panel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	c := NewClient(url, "test-key")
	c.backoffBase = time.Millisecond
	return c
}

func TestSuspendAlreadySuspendedIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"server is already suspended"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Suspend(context.Background(), "abc"); err != nil {
		t.Errorf("Suspend on already-suspended server returned %v, want nil", err)
	}
}

func TestUnsuspendAlreadyRunningIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"server already running"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Unsuspend(context.Background(), "abc"); err != nil {
		t.Errorf("Unsuspend on running server returned %v, want nil", err)
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Suspend(context.Background(), "abc"); err != nil {
		t.Errorf("Suspend returned %v after transient failure, want nil", err)
	}
	if requests != 2 {
		t.Errorf("server received %d requests, want 2 (one retry)", requests)
	}
}

func TestNonTransientErrorIsNotRetried(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.Suspend(context.Background(), "abc")
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("error = %v, want APIError with status 403", err)
	}
	if requests != 1 {
		t.Errorf("server received %d requests, want 1 (no retry on auth failure)", requests)
	}
}

func TestRetriesAreBounded(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Suspend(context.Background(), "abc"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if requests != c.maxAttempts {
		t.Errorf("server received %d requests, want %d", requests, c.maxAttempts)
	}
}

func TestDeleteMissingServerIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"server not found"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.DeleteServer(context.Background(), "gone"); err != nil {
		t.Errorf("DeleteServer on missing server returned %v, want nil", err)
	}
}

func TestCreateServerSendsAuthAndDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization header = %q, want bearer key", got)
		}
		if r.Method != http.MethodPost || r.URL.Path != "/api/servers" {
			t.Errorf("request = %s %s, want POST /api/servers", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"srv-9","name":"craft","ram_mb":1024}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	details, err := c.CreateServer(context.Background(), &CreateServerRequest{Name: "craft", RAMMb: 1024})
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if details.ID != "srv-9" || details.RAMMb != 1024 {
		t.Errorf("decoded details = %+v", details)
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.backoffBase = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Suspend(ctx, "abc")
	if err == nil {
		t.Fatal("expected error with cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
