package remotesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrConflict = errors.New("snapshot conflict")

// ConflictError is returned when the remote copy of a document diverged from
// what the uploader expected. The engine surfaces it as a conflict status; it
// never auto-resolves.
type ConflictError struct {
	DocumentID string
}

func (e *ConflictError) Error() string {
	if e.DocumentID == "" {
		return "snapshot conflict"
	}
	return fmt.Sprintf("snapshot conflict for %s", e.DocumentID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// UploadResult is the service's acknowledgement of a stored snapshot.
type UploadResult struct {
	CloudID    string `json:"cloudId"`
	Revision   string `json:"revision,omitempty"`
	ReceivedAt string `json:"receivedAt,omitempty"`
}

// SnapshotClient is the remote surface the engine needs for snapshot
// durability: store one opaque blob per document, delete it on purge.
type SnapshotClient interface {
	UploadSnapshot(ctx context.Context, documentID, cloudID string, snapshot []byte) (UploadResult, error)
	DeleteSnapshot(ctx context.Context, cloudID string) error
}

// HTTPSnapshotClient talks to the collaboration service's snapshot endpoints.
// Transient failures (connection errors, 429, 5xx) are retried a bounded
// number of times with exponential delay, honoring Retry-After when the
// service sends one; everything else fails fast so the durable failure queue
// owns long-term retry policy.
type HTTPSnapshotClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPSnapshotClient(baseURL, token string, httpClient *http.Client) *HTTPSnapshotClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSnapshotClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetToken swaps the bearer token, e.g. after a re-login.
func (c *HTTPSnapshotClient) SetToken(token string) {
	c.token = strings.TrimSpace(token)
}

// SetEndpoint repoints the client at a different service base URL, e.g.
// after a settings reload. A blank URL keeps the current one.
func (c *HTTPSnapshotClient) SetEndpoint(baseURL string) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return
	}
	c.baseURL = baseURL
}

// UploadSnapshot stores the full encoded state of a document. An empty
// cloudID asks the service to mint one (first sync); a non-empty cloudID
// updates the existing remote copy.
func (c *HTTPSnapshotClient) UploadSnapshot(ctx context.Context, documentID, cloudID string, snapshot []byte) (UploadResult, error) {
	body := map[string]any{
		"documentId": documentID,
		"snapshot":   snapshot,
	}
	if cloudID != "" {
		body["cloudId"] = cloudID
	}
	var out UploadResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/documents/%s/snapshot", url.PathEscape(documentID)), body, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
			return UploadResult{}, &ConflictError{DocumentID: documentID}
		}
		return UploadResult{}, err
	}
	if out.CloudID == "" {
		out.CloudID = cloudID
	}
	return out, nil
}

// DeleteSnapshot removes the remote copy of a document. A missing remote copy
// is success: the caller wanted it gone and it is gone.
func (c *HTTPSnapshotClient) DeleteSnapshot(ctx context.Context, cloudID string) error {
	if strings.TrimSpace(cloudID) == "" {
		return nil
	}
	err := c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/documents/%s/snapshot", url.PathEscape(cloudID)), nil, nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *HTTPSnapshotClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

// retryDelay grows exponentially per attempt with a small random component,
// capped at maxDelay. A parseable Retry-After header wins outright.
func (c *HTTPSnapshotClient) retryDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > c.maxDelay {
				return c.maxDelay
			}
			return delay
		}
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			delay = c.maxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(c.baseDelay)))
	if delay+jitter > c.maxDelay {
		return c.maxDelay
	}
	return delay + jitter
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return uuid.NewString()
}
