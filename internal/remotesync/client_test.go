package remotesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestUploadSnapshotFirstSyncMintsCloudID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/documents/doc-1/snapshot" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("authorization header = %q", got)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("missing correlation id")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["documentId"] != "doc-1" {
			t.Errorf("documentId = %v", body["documentId"])
		}
		if _, hasCloudID := body["cloudId"]; hasCloudID {
			t.Errorf("first sync must not send a cloudId")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cloudId":"cld_abc","revision":"rev_1"}`))
	}))
	defer server.Close()

	client := NewHTTPSnapshotClient(server.URL, "token", server.Client())
	result, err := client.UploadSnapshot(context.Background(), "doc-1", "", []byte("state"))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if result.CloudID != "cld_abc" || result.Revision != "rev_1" {
		t.Fatalf("result = %+v", result)
	}
}

func TestUploadSnapshotKeepsCloudIDWhenResponseOmitsIt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["cloudId"] != "cld_abc" {
			t.Errorf("update must send the existing cloudId, got %v", body["cloudId"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"revision":"rev_2"}`))
	}))
	defer server.Close()

	client := NewHTTPSnapshotClient(server.URL, "token", server.Client())
	result, err := client.UploadSnapshot(context.Background(), "doc-1", "cld_abc", []byte("state"))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if result.CloudID != "cld_abc" {
		t.Fatalf("cloudId = %q, want the request value carried through", result.CloudID)
	}
}

func TestUploadSnapshotConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"conflict","message":"remote diverged"}`))
	}))
	defer server.Close()

	client := NewHTTPSnapshotClient(server.URL, "token", server.Client())
	_, err := client.UploadSnapshot(context.Background(), "doc-1", "cld_abc", []byte("state"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.DocumentID != "doc-1" {
		t.Fatalf("conflict error = %v", err)
	}
}

func TestUploadSnapshotRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call <= 2 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cloudId":"cld_abc"}`))
	}))
	defer server.Close()

	client := NewHTTPSnapshotClient(server.URL, "token", server.Client())
	result, err := client.UploadSnapshot(context.Background(), "doc-1", "", []byte("state"))
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if result.CloudID != "cld_abc" {
		t.Fatalf("cloudId = %q", result.CloudID)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected exactly 3 calls (2 retries), got %d", atomic.LoadInt32(&calls))
	}
}

func TestUploadSnapshotDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"bad token"}`))
	}))
	defer server.Close()

	client := NewHTTPSnapshotClient(server.URL, "stale", server.Client())
	_, err := client.UploadSnapshot(context.Background(), "doc-1", "", []byte("state"))
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want http 401", err)
	}
	if httpErr.Code != "unauthorized" {
		t.Fatalf("error code = %q", httpErr.Code)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("401 was retried: %d calls", atomic.LoadInt32(&calls))
	}
}

func TestUploadSnapshotHonorsRetryAfter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cloudId":"cld_abc"}`))
	}))
	defer server.Close()

	client := NewHTTPSnapshotClient(server.URL, "token", server.Client())
	start := time.Now()
	if _, err := client.UploadSnapshot(context.Background(), "doc-1", "", []byte("state")); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("Retry-After ignored, retried after %v", elapsed)
	}
}

func TestDeleteSnapshotMissingRemoteIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/documents/cld_gone/snapshot" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPSnapshotClient(server.URL, "token", server.Client())
	if err := client.DeleteSnapshot(context.Background(), "cld_gone"); err != nil {
		t.Fatalf("missing remote copy should be success, got %v", err)
	}
}

func TestSetEndpointRepointsClient(t *testing.T) {
	var oldCalls, newCalls int32
	oldServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&oldCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cloudId":"cld_old"}`))
	}))
	defer oldServer.Close()
	newServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&newCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cloudId":"cld_new"}`))
	}))
	defer newServer.Close()

	client := NewHTTPSnapshotClient(oldServer.URL, "token", oldServer.Client())
	client.SetEndpoint(newServer.URL + "/")
	client.SetEndpoint("   ") // blank keeps the current endpoint

	result, err := client.UploadSnapshot(context.Background(), "doc-1", "", []byte("state"))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if result.CloudID != "cld_new" {
		t.Fatalf("cloudId = %q, want the repointed service's answer", result.CloudID)
	}
	if atomic.LoadInt32(&oldCalls) != 0 || atomic.LoadInt32(&newCalls) != 1 {
		t.Fatalf("calls old=%d new=%d", atomic.LoadInt32(&oldCalls), atomic.LoadInt32(&newCalls))
	}
}

func TestDeleteSnapshotSkipsEmptyCloudID(t *testing.T) {
	client := NewHTTPSnapshotClient("http://127.0.0.1:1", "token", nil)
	if err := client.DeleteSnapshot(context.Background(), "  "); err != nil {
		t.Fatalf("blank cloudId should be a no-op, got %v", err)
	}
}

func TestUploadSnapshotContextCancelDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	client := NewHTTPSnapshotClient(server.URL, "token", server.Client())
	_, err := client.UploadSnapshot(ctx, "doc-1", "", []byte("state"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context deadline", err)
	}
}
