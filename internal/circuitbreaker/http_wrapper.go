package circuitbreaker

import (
	"net/http"

	"go.uber.org/zap"
)

// HTTPWrapper protects an http.Client with a circuit breaker. Server
// errors (5xx) count as failures so a degraded collaborator trips the
// breaker, but the response is still returned to the caller so it can
// read the body and status.
type HTTPWrapper struct {
	client  *http.Client
	breaker *CircuitBreaker
}

// NewHTTPWrapper wraps client with a named breaker.
func NewHTTPWrapper(name string, client *http.Client, config Config, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPWrapper{
		client:  client,
		breaker: New(name, Instrument(name, config), logger),
	}
}

// Do executes the request under breaker protection.
func (w *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := w.breaker.Execute(func() error {
		var doErr error
		resp, doErr = w.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &serverError{status: resp.StatusCode}
		}
		return nil
	})
	if err == ErrOpenState || err == ErrTooManyRequests {
		RecordRejection(w.breaker.Name())
		return nil, err
	}
	// 5xx trips the breaker but the caller still gets the response.
	if _, ok := err.(*serverError); ok {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// State exposes the underlying breaker state.
func (w *HTTPWrapper) State() State { return w.breaker.State() }

type serverError struct {
	status int
}

func (e *serverError) Error() string {
	return "upstream returned " + http.StatusText(e.status)
}
