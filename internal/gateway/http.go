package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient calls a JSON processor API:
//
//	POST /v1/intents               authorize
//	POST /v1/intents/{id}/capture  capture
//	POST /v1/intents/{id}/void     void
//	GET  /v1/intents/{id}          status
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHTTPClient constructs a client with baseURL, API key and request timeout.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	endpoint := fmt.Sprintf("%s/v1/intents", c.baseURL)
	return c.doPost(ctx, OpAuthorize, endpoint, req.IdempotencyKey, req)
}

func (c *HTTPClient) Capture(ctx context.Context, intentID string, amountCents int64, idempotencyKey string) (*Result, error) {
	endpoint := fmt.Sprintf("%s/v1/intents/%s/capture", c.baseURL, url.PathEscape(intentID))
	body := map[string]int64{"amount_cents": amountCents}
	return c.doPost(ctx, OpCapture, endpoint, idempotencyKey, body)
}

func (c *HTTPClient) Void(ctx context.Context, intentID, idempotencyKey string) (*Result, error) {
	endpoint := fmt.Sprintf("%s/v1/intents/%s/void", c.baseURL, url.PathEscape(intentID))
	return c.doPost(ctx, OpVoid, endpoint, idempotencyKey, struct{}{})
}

func (c *HTTPClient) GetIntentStatus(ctx context.Context, intentID string) (*Result, error) {
	endpoint := fmt.Sprintf("%s/v1/intents/%s", c.baseURL, url.PathEscape(intentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req, "")
	return c.do(OpStatus, req)
}

func (c *HTTPClient) doPost(ctx context.Context, op, endpoint, idempotencyKey string, body any) (*Result, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req, idempotencyKey)
	return c.do(op, req)
}

func (c *HTTPClient) do(op string, req *http.Request) (*Result, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classifyTransport(op, err)
	}

	if resp.StatusCode >= 300 {
		var body errorBody
		_ = json.Unmarshal(raw, &body)
		return nil, classifyStatus(op, resp.StatusCode, body.Code, body.Message)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Op: op, Message: fmt.Sprintf("decode response: %v", err), Err: ErrTransient}
	}
	return &result, nil
}

func (c *HTTPClient) addHeaders(req *http.Request, idempotencyKey string) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
}
