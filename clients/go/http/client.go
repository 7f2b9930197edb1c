// Package http provides an HTTP client for the assignz assignment service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	assignz "github.com/matt-riley/assignz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format. It is only needed
	// for configuration writes.
	APIKey string
	// HTTPClient is optional; a client with a 30s timeout is used when nil.
	// Streams ignore the timeout and end with their context.
	HTTPClient *http.Client
}

// Client implements assignz.Assigner, assignz.BanditSelector,
// assignz.Precomputer, assignz.ConfigurationLoader and assignz.Streamer over
// HTTP.
type Client struct {
	cfg          Config
	httpClient   *http.Client
	streamClient *http.Client
}

// NewHTTPClient returns a new HTTP client.
func NewHTTPClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	sc := *hc
	sc.Timeout = 0
	return &Client{cfg: cfg, httpClient: hc, streamClient: &sc}
}

// -- wire types --------------------------------------------------------------

type wireBatchReq struct {
	Requests []assignz.AssignmentRequest `json:"requests"`
}

type wireBatchResp struct {
	Results []assignz.Assignment `json:"results"`
}

type wirePrecomputeReq struct {
	SubjectKey        string         `json:"subjectKey"`
	SubjectAttributes map[string]any `json:"subjectAttributes,omitempty"`
}

type wirePrecomputeResp struct {
	SubjectKey string                             `json:"subjectKey"`
	Flags      map[string]assignz.PrecomputedFlag `json:"flags"`
}

type wireBanditKeysResp struct {
	BanditKeys []string `json:"banditKeys"`
}

type wireError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("assignz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("assignz: create request: %w", err)
	}
	c.authorize(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assignz: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func decodeResponse[T any](resp *http.Response) (T, error) {
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("assignz: decode response: %w", err)
	}
	return out, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
	// Kind is "syntax" or "schema" for rejected configuration documents.
	Kind string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assignz: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var we wireError
	if json.Unmarshal(raw, &we) == nil && we.Error != "" {
		apiErr.Message = we.Error
		apiErr.Kind = we.Kind
	}
	return apiErr
}

// -- Assigner ----------------------------------------------------------------

// Assign resolves one flag. In graceful server mode failures come back as
// an Assignment carrying the default value and a non-MATCH code.
func (c *Client) Assign(ctx context.Context, req assignz.AssignmentRequest) (assignz.Assignment, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/assignments", req)
	if err != nil {
		return assignz.Assignment{}, err
	}
	return decodeResponse[assignz.Assignment](resp)
}

// AssignBatch resolves up to 100 flags in one round trip. Results are in
// request order; per-item failures are reported in Assignment.Error.
func (c *Client) AssignBatch(ctx context.Context, reqs []assignz.AssignmentRequest) ([]assignz.Assignment, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/assignments", wireBatchReq{Requests: reqs})
	if err != nil {
		return nil, err
	}
	out, err := decodeResponse[wireBatchResp](resp)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

// -- BanditSelector ----------------------------------------------------------

func (c *Client) BanditAction(ctx context.Context, req assignz.BanditActionRequest) (assignz.BanditAction, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/bandits/action", req)
	if err != nil {
		return assignz.BanditAction{}, err
	}
	return decodeResponse[assignz.BanditAction](resp)
}

func (c *Client) BanditKeys(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/bandits", nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeResponse[wireBanditKeysResp](resp)
	if err != nil {
		return nil, err
	}
	return out.BanditKeys, nil
}

// -- Precomputer -------------------------------------------------------------

func (c *Client) Precompute(ctx context.Context, subjectKey string, attributes map[string]any) (map[string]assignz.PrecomputedFlag, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/precomputed", wirePrecomputeReq{
		SubjectKey:        subjectKey,
		SubjectAttributes: attributes,
	})
	if err != nil {
		return nil, err
	}
	out, err := decodeResponse[wirePrecomputeResp](resp)
	if err != nil {
		return nil, err
	}
	return out.Flags, nil
}

// -- ConfigurationLoader -----------------------------------------------------

// Configuration returns the flags document currently served.
func (c *Client) Configuration(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/configuration", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("assignz: read configuration: %w", err)
	}
	return b, nil
}

func (c *Client) LoadConfiguration(ctx context.Context, payload assignz.ConfigurationPayload) (assignz.ConfigurationEvent, error) {
	if len(payload.Flags) == 0 {
		return assignz.ConfigurationEvent{}, errors.New("assignz: flags document is required")
	}
	resp, err := c.do(ctx, http.MethodPut, "/v1/configuration", payload)
	if err != nil {
		return assignz.ConfigurationEvent{}, err
	}
	return decodeResponse[assignz.ConfigurationEvent](resp)
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits ConfigurationEvents on the
// returned channel. Versions at or below lastVersion are not replayed.
// The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, lastVersion uint64) (<-chan assignz.ConfigurationEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/configuration/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("assignz: create stream request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "text/event-stream")
	if lastVersion > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(lastVersion, 10))
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assignz: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	ch := make(chan assignz.ConfigurationEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		br := bufio.NewReaderSize(resp.Body, 1<<16)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads "configuration" events from r. Only the id, event and data
// fields are interpreted; a blank line dispatches the pending event.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- assignz.ConfigurationEvent) {
	var (
		eventType string
		dataLines []string
		eventID   uint64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 && (eventType == "" || eventType == "configuration") {
				var ev assignz.ConfigurationEvent
				if jsonErr := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &ev); jsonErr == nil {
					if ev.Version == 0 {
						ev.Version = eventID
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
