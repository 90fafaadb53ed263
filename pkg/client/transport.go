package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/quire/pkg/protocol"
)

// Transport carries sync traffic to the server.
type Transport interface {
	Sync(ctx context.Context, req protocol.SyncRequest) (*protocol.SyncResponse, error)
	ResolveConflict(ctx context.Context, conflictID string, req protocol.ResolveRequest) (*protocol.ResolveResponse, error)
}

// UserIDHeader carries the acting user on every request.
const UserIDHeader = "X-User-ID"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// HTTPTransport talks to the sync server's HTTP API.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	userID  string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the server at baseURL. A nil
// client uses one with a 30 second timeout.
func NewHTTPTransport(baseURL, apiKey, userID string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		userID:  userID,
		client:  client,
	}
}

// Ping checks the server's health endpoint.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %d", ErrOffline, resp.StatusCode)
	}
	return nil
}

// Sync posts req to /api/v1/sync. A FAILED response body is returned along
// with ErrSyncRejected.
func (t *HTTPTransport) Sync(ctx context.Context, req protocol.SyncRequest) (*protocol.SyncResponse, error) {
	resp, err := t.sendRequest(ctx, http.MethodPost, "/api/v1/sync", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrOffline, err)
	}

	if resp.StatusCode == http.StatusOK || (resp.StatusCode == http.StatusBadRequest && !isProblem(resp)) {
		var out protocol.SyncResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode sync response: %w", err)
		}
		if out.Status == protocol.SyncFailed {
			return &out, fmt.Errorf("%w: %s", ErrSyncRejected, out.Error)
		}
		return &out, nil
	}
	return nil, problemFromBody(resp.StatusCode, body)
}

// ResolveConflict posts req to /api/v1/conflicts/{id}/resolve.
func (t *HTTPTransport) ResolveConflict(ctx context.Context, conflictID string, req protocol.ResolveRequest) (*protocol.ResolveResponse, error) {
	resp, err := t.sendRequest(ctx, http.MethodPost, "/api/v1/conflicts/"+url.PathEscape(conflictID)+"/resolve", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrOffline, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, problemFromBody(resp.StatusCode, body)
	}
	var out protocol.ResolveResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode resolve response: %w", err)
	}
	return &out, nil
}

// sendRequest sends an authenticated JSON request. Network failures are
// reported as ErrOffline.
func (t *HTTPTransport) sendRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserIDHeader, t.userID)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	return resp, nil
}

func isProblem(resp *http.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == "application/problem+json"
}

func problemFromBody(status int, body []byte) error {
	p := &ProblemError{}
	if err := json.Unmarshal(body, p); err != nil || p.Status == 0 {
		p.Status = status
		p.Title = http.StatusText(status)
		p.Detail = strings.TrimSpace(string(body))
	}
	return p
}
