package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/adityacheruku/kuchlu-sub000/internal/protocol"
)

// ErrAuthRejected is returned when the server refuses the credential on a
// request/response call. Callers treat it the same way as the duplex
// channel's auth close code: terminal, no retry.
var ErrAuthRejected = errors.New("api: authentication rejected")

// TokenFunc supplies the current credential; empty string means none.
type TokenFunc func() string

// Client is the request/response side of the engine: request-fallback
// sends, fetch-since gap fill and signed upload parameters.
type Client struct {
	http    *http.Client
	baseURL string
	token   TokenFunc
	logger  *zap.Logger
}

// New creates an API client rooted at baseURL.
func New(baseURL string, token TokenFunc, logger *zap.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		token:   token,
		logger:  logger,
	}
}

// SendEvent posts one client frame over the request-fallback path and
// returns the server's acknowledgment event, if any.
func (c *Client) SendEvent(ctx context.Context, frame *protocol.ClientFrame) (*protocol.ServerEvent, error) {
	body, err := protocol.EncodeClientFrame(frame)
	if err != nil {
		return nil, err
	}

	data, err := c.do(ctx, http.MethodPost, "/v1/events", body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return protocol.DecodeServerEvent(data)
}

// FetchSince returns every event after the given sequence cursor, in order.
func (c *Client) FetchSince(ctx context.Context, cursor int64) ([]*protocol.ServerEvent, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/events?since=%d", cursor), nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("fetch-since response: %w", err)
	}

	events := make([]*protocol.ServerEvent, 0, len(resp.Events))
	for _, raw := range resp.Events {
		evt, err := protocol.DecodeServerEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("fetch-since event: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// SignedUpload carries short-lived credentials for one object-store upload.
// Obtained per task, never reused.
type SignedUpload struct {
	URL       string            `json:"url"`
	Fields    map[string]string `json:"fields"`
	ResultRef string            `json:"result_ref"`
}

// SignedUploadParams obtains signed upload parameters for a task.
func (c *Client) SignedUploadParams(ctx context.Context, taskID, resourceKind string) (*SignedUpload, error) {
	body, err := json.Marshal(map[string]string{
		"task_id":       taskID,
		"resource_kind": resourceKind,
	})
	if err != nil {
		return nil, err
	}

	data, err := c.do(ctx, http.MethodPost, "/v1/uploads/sign", body)
	if err != nil {
		return nil, err
	}

	var signed SignedUpload
	if err := json.Unmarshal(data, &signed); err != nil {
		return nil, fmt.Errorf("signed upload response: %w", err)
	}
	return &signed, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthRejected
	case resp.StatusCode >= 400:
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// StatusError is a non-auth HTTP failure. Upload fault classification
// branches on the code: 5xx is retryable, 4xx is not.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Body)
}
