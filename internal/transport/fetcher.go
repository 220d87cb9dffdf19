package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxErrorBody = 512

// Fetcher performs a single fetch attempt against the endpoint.
type Fetcher interface {
	Fetch(ctx context.Context) ([]string, error)
}

type correlationKey struct{}

// WithCorrelationID attaches an id sent as X-Correlation-Id on outgoing requests.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// HTTPFetcher pulls the payload batch from an X-dock manager style endpoint.
type HTTPFetcher struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher for baseURL joined with payloadsPath.
// Deadlines come from the request context, so the http.Client carries none.
func NewHTTPFetcher(baseURL, payloadsPath, username, password string, httpClient *http.Client) (*HTTPFetcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	rel, err := url.Parse(strings.TrimLeft(payloadsPath, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid payloads path: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPFetcher{
		endpoint:   base.ResolveReference(rel).String(),
		username:   username,
		password:   password,
		httpClient: httpClient,
	}, nil
}

// Endpoint returns the absolute URL requested on each attempt.
func (f *HTTPFetcher) Endpoint() string {
	return f.endpoint
}

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.username != "" {
		req.SetBasicAuth(f.username, f.password)
	}
	if id := correlationID(ctx); id != "" {
		req.Header.Set("X-Correlation-Id", id)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return decodeBatch(body)
}

// decodeBatch accepts a JSON array whose elements are either JSON strings
// holding the payload text or inline payload objects kept byte-for-byte.
func decodeBatch(body []byte) ([]string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return []string{}, nil
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return nil, fmt.Errorf("failed to decode payload batch: %w", err)
	}

	payloads := make([]string, 0, len(elements))
	for i, element := range elements {
		if len(element) > 0 && element[0] == '"' {
			var s string
			if err := json.Unmarshal(element, &s); err != nil {
				return nil, fmt.Errorf("failed to decode payload %d: %w", i, err)
			}
			payloads = append(payloads, s)
			continue
		}
		payloads = append(payloads, string(element))
	}
	return payloads, nil
}
