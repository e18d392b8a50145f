package slogx

import (
	"log/slog"
	"net/http"
	"time"
)

// Transport is an http.RoundTripper that logs each outbound request with the
// contextual logger from the request context. It never logs headers or
// bodies: requests to the gateway carry credential material.
type Transport struct {
	// Base is the underlying transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	logger := FromContext(req.Context()).With(
		slog.String("method", req.Method),
		slog.String("host", req.URL.Host),
		slog.String("path", req.URL.Path),
	)

	start := time.Now()
	resp, err := base.RoundTrip(req)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		logger.Warn("gateway_request_failed",
			slog.Int64("duration_ms", duration),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	logger.Debug("gateway_request",
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", duration),
	)
	return resp, nil
}
