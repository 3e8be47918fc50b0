package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/outreach/internal/ingest"
	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/tracker"
)

// HTTPClient implements OutreachClient over the engine's HTTP/JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ OutreachClient = (*HTTPClient)(nil)

// NewHTTPClient creates a client targeting baseURL (e.g.
// "http://localhost:8080"). When token is non-empty, an Authorization header
// is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

// --- Sequences ---

func (c *HTTPClient) DefineSequence(ctx context.Context, seq *model.Sequence) (*model.Sequence, error) {
	var out model.Sequence
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sequences", seq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetSequence(ctx context.Context, id string, version int) (*model.Sequence, error) {
	path := "/v1/sequences/" + url.PathEscape(id)
	if version > 0 {
		path += "?version=" + strconv.Itoa(version)
	}
	var out model.Sequence
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListSequences(ctx context.Context) ([]*model.Sequence, error) {
	var resp struct {
		Sequences []*model.Sequence `json:"sequences"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sequences", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sequences, nil
}

// --- Enrollments ---

func (c *HTTPClient) Enroll(ctx context.Context, req tracker.EnrollRequest) (*model.Enrollment, error) {
	var out model.Enrollment
	if err := c.doJSON(ctx, http.MethodPost, "/v1/enrollments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error) {
	var out model.Enrollment
	if err := c.doJSON(ctx, http.MethodGet, "/v1/enrollments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListEnrollments(ctx context.Context, filter model.EnrollmentFilter) (*ListEnrollmentsResponse, error) {
	q := url.Values{}
	if filter.ContactID != "" {
		q.Set("contact", filter.ContactID)
	}
	if filter.SequenceID != "" {
		q.Set("sequence", filter.SequenceID)
	}
	if len(filter.Status) > 0 {
		parts := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if filter.Sort != "" {
		q.Set("sort", filter.Sort)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}

	path := "/v1/enrollments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp ListEnrollmentsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) CancelEnrollment(ctx context.Context, id, reason, actor string) (*model.Enrollment, error) {
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	if actor != "" {
		body["actor"] = actor
	}
	var out model.Enrollment
	if err := c.doJSON(ctx, http.MethodPost, "/v1/enrollments/"+url.PathEscape(id)+"/cancel", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ProcessEnrollment(ctx context.Context, id string) (*ProcessResponse, error) {
	var out ProcessResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/enrollments/"+url.PathEscape(id)+"/process", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetEvents(ctx context.Context, enrollmentID string) ([]*model.Event, error) {
	var resp struct {
		Events []*model.Event `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/enrollments/"+url.PathEscape(enrollmentID)+"/events", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// --- Engagement ---

func (c *HTTPClient) Ingest(ctx context.Context, raw ingest.RawEvent) (*IngestResponse, error) {
	var out IngestResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/webhooks/engagement", raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Misc ---

func (c *HTTPClient) Stats(ctx context.Context) (*StatsResponse, error) {
	var out StatsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Watch streams the SSE feed, calling fn for each event until ctx is done,
// the server closes the stream, or fn returns an error.
func (c *HTTPClient) Watch(ctx context.Context, topics []string, fn func(StreamEvent) error) error {
	path := "/v1/events/stream"
	if len(topics) > 0 {
		path += "?topics=" + url.QueryEscape(strings.Join(topics, ","))
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}

	var evt StreamEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if evt.Topic != "" {
				if err := fn(evt); err != nil {
					return err
				}
			}
			evt = StreamEvent{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			evt.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			evt.Topic = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			evt.Data = json.RawMessage(strings.TrimPrefix(line, "data:"))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func apiError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
}

// doJSON performs a request with an optional JSON body and decodes the JSON
// response into result when it is non-nil.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
