package freshness

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

	"github.com/c0deZ3R0/go-consistency-kit/payload"
)

// Fetcher loads the current version of a piece of data.
type Fetcher interface {
	Fetch(ctx context.Context, dataType, dataID string) (payload.Payload, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, dataType, dataID string) (payload.Payload, error)

func (f FetcherFunc) Fetch(ctx context.Context, dataType, dataID string) (payload.Payload, error) {
	return f(ctx, dataType, dataID)
}

// DefaultMaxResponseBytes caps the body HTTPFetcher will decode.
const DefaultMaxResponseBytes = 8 << 20

// HTTPFetcher fetches a JSON object over HTTP. The placeholders {dataType}
// and {dataId} in Endpoint are replaced with the (path-escaped) request
// values. Params are sent as a JSON body for POST and PUT.
type HTTPFetcher struct {
	Endpoint string
	Method   string
	Headers  map[string]string
	Params   payload.Payload

	Client           *http.Client
	MaxResponseBytes int64
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher returns a GET fetcher for endpoint with a 30s client timeout.
func NewHTTPFetcher(endpoint string) *HTTPFetcher {
	return &HTTPFetcher{
		Endpoint: endpoint,
		Method:   http.MethodGet,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, dataType, dataID string) (payload.Payload, error) {
	method := f.Method
	if method == "" {
		method = http.MethodGet
	}
	target := strings.NewReplacer(
		"{dataType}", url.PathEscape(dataType),
		"{dataId}", url.PathEscape(dataID),
	).Replace(f.Endpoint)

	var body io.Reader
	if method == http.MethodPost || method == http.MethodPut {
		data, err := json.Marshal(f.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	limit := f.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out payload.Payload
	if err := json.NewDecoder(io.LimitReader(resp.Body, limit)).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out == nil {
		out = payload.Payload{}
	}
	return out, nil
}
