package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	claraerrors "clara/internal/errors"
	"clara/internal/logging"
)

// NewWithCircuitBreaker builds a client whose transport stops issuing
// requests to a backend that keeps failing, giving it room to recover.
// name labels the breaker in errors and logs.
func NewWithCircuitBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	client := New(timeout, logger)
	client.Transport = &breakerTransport{
		base:    client.Transport,
		breaker: claraerrors.NewCircuitBreaker(name, claraerrors.DefaultCircuitBreakerConfig()),
	}
	return client
}

type breakerTransport struct {
	base    http.RoundTripper
	breaker *claraerrors.CircuitBreaker
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	switch {
	case errors.Is(err, context.Canceled):
		// the caller walked away; the backend did nothing wrong
		t.breaker.Mark(nil)
	case err != nil:
		t.breaker.Mark(err)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	default:
		t.breaker.Mark(nil)
	}
	return resp, err
}
