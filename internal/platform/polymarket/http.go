package polymarket

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

const maxBodyBytes = 4 << 20

// readBody sends req and returns the body of a 2xx response.
func readBody(ctx context.Context, client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to a *StatusError.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	se := &StatusError{Code: statusCode, Body: string(body)}
	switch statusCode {
	case http.StatusNotFound:
		se.kind = domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		se.kind = domain.ErrUnauthorized
	case http.StatusTooManyRequests:
		se.kind = domain.ErrRateLimited
	}
	return se
}
