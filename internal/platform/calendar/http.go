package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// statusError is a non-2xx response. 4xx responses do not trip the breaker.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("calendar service returned %d: %s", e.Code, e.Body)
}

// HTTPBridge talks JSON to the calendar service:
//
//	GET    {base}/health
//	POST   {base}/events       -> {"id": "..."}
//	DELETE {base}/events/{id}
type HTTPBridge struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  zerolog.Logger
}

// Option configures an HTTPBridge.
type Option func(*HTTPBridge)

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *HTTPBridge) { b.client = c }
}

// WithTimeout bounds every calendar call.
func WithTimeout(d time.Duration) Option {
	return func(b *HTTPBridge) { b.client.Timeout = d }
}

// NewHTTPBridge returns a bridge guarded by a circuit breaker that opens
// after five consecutive failures and probes again after 30 seconds.
func NewHTTPBridge(baseURL, apiKey string, logger zerolog.Logger, opts ...Option) *HTTPBridge {
	b := &HTTPBridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
	for _, o := range opts {
		o(b)
	}
	b.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "calendar",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		IsSuccessful: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.Code < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("calendar circuit breaker state changed")
		},
	})
	return b
}

// IsAvailable is false while the breaker is open or the health probe fails.
func (b *HTTPBridge) IsAvailable(ctx context.Context) bool {
	if b.breaker.State() == gobreaker.StateOpen {
		return false
	}
	_, err := b.do(ctx, http.MethodGet, "/health", nil)
	return err == nil
}

func (b *HTTPBridge) CreateEvent(ctx context.Context, ev EventDetails) (string, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	resp, err := b.do(ctx, http.MethodPost, "/events", body)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("decode create event response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("calendar service returned an empty event id")
	}
	return out.ID, nil
}

// DeleteEvent treats an already-missing event as deleted.
func (b *HTTPBridge) DeleteEvent(ctx context.Context, eventID string) error {
	_, err := b.do(ctx, http.MethodDelete, "/events/"+url.PathEscape(eventID), nil)
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (b *HTTPBridge) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	out, err := b.breaker.Execute(func() ([]byte, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rdr)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if b.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+b.apiKey)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		return data, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	case err != nil:
		var se *statusError
		if errors.As(err, &se) {
			return nil, err
		}
		// Transport failures mean the service is unreachable.
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}
