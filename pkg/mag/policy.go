package mag

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
)

// Assertion is one policy in the session's processing chain. Assertions run
// in a fixed order on the outbound request and in reverse order on the
// response; an error from any assertion aborts the rest of the chain.
type Assertion interface {
	// Init binds the assertion to its session. Called once before the first
	// request.
	Init(s *Session) error

	// ProcessRequest inspects or mutates the outbound request.
	ProcessRequest(ctx context.Context, info *RequestInfo) error

	// ProcessResponse inspects the response and converts policy failures
	// into typed errors. Returning nil passes the response through.
	ProcessResponse(ctx context.Context, info *RequestInfo, resp *http.Response) error

	// Close releases assertion resources when the session closes.
	Close() error
}

// policyChain holds the session's assertions in request order.
type policyChain struct {
	assertions []Assertion
}

func (c *policyChain) init(s *Session) error {
	for _, a := range c.assertions {
		if err := a.Init(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *policyChain) processRequest(ctx context.Context, info *RequestInfo) error {
	for _, a := range c.assertions {
		if err := a.ProcessRequest(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

func (c *policyChain) processResponse(ctx context.Context, info *RequestInfo, resp *http.Response) error {
	for i := len(c.assertions) - 1; i >= 0; i-- {
		if err := c.assertions[i].ProcessResponse(ctx, info, resp); err != nil {
			return err
		}
	}
	return nil
}

func (c *policyChain) close() error {
	var errs []error
	for i := len(c.assertions) - 1; i >= 0; i-- {
		if err := c.assertions[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// peekBody reads the response body and replaces it with an identical reader,
// so an assertion can inspect the payload without consuming it for the
// caller.
func peekBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return body, nil
}
