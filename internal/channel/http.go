package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPAdapter posts send requests to a provider gateway. The gateway
// receives POST {baseURL}/send with a JSON SendRequest and an
// Idempotency-Key header and answers with a JSON SendResult.
type HTTPAdapter struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPAdapter creates an adapter for the gateway at baseURL. When token
// is non-empty it is sent as a bearer token.
func NewHTTPAdapter(baseURL, token string) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Send implements Adapter. 408, 429, and 5xx responses are transient; other
// 4xx responses are permanent.
func (a *HTTPAdapter) Send(ctx context.Context, sr SendRequest) (SendResult, error) {
	data, err := json.Marshal(sr)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshaling send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/send", bytes.NewReader(data))
	if err != nil {
		return SendResult{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sr.IdempotencyKey)
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return SendResult{}, fmt.Errorf("%w: HTTP %d: %s", ErrTransient, resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 400:
		return SendResult{}, fmt.Errorf("%w: HTTP %d: %s", ErrPermanent, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res SendResult
	if err := json.Unmarshal(body, &res); err != nil {
		return SendResult{}, fmt.Errorf("%w: decoding response: %v", ErrTransient, err)
	}
	return res, nil
}
