package transport

import (
	"context"
	"io"
	"net/http"
	"time"
)

const userAgent = "yarun"

// HTTP downloads over http and https.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP transport. A zero timeout means no overall limit.
func NewHTTP(timeout time.Duration) *HTTP {
	return &HTTP{client: &http.Client{Timeout: timeout}}
}

// NewHTTPWithClient wraps an existing client, e.g. one from httptest.
func NewHTTPWithClient(c *http.Client) *HTTP {
	return &HTTP{client: c}
}

// Download implements Transport.
func (h *HTTP) Download(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, &Error{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &Error{URL: rawURL, Retryable: true, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, &Error{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
	return resp.Body, resp.ContentLength, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
