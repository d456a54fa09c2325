package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

const defaultRequestTimeout = 10 * time.Second

// HTTPEngine drives a media engine over its REST control API. Every call is
// a single attempt bounded by a deadline; retry policy lives with the
// caller. A circuit breaker sheds calls while the engine is persistently
// failing so a dead engine does not pin goroutines on timeouts.
type HTTPEngine struct {
	baseURL        string
	token          string
	client         *http.Client
	logger         *slog.Logger
	requestTimeout time.Duration
	breaker        *gobreaker.CircuitBreaker[[]byte]
}

// HTTPEngineOption adjusts optional HTTPEngine behaviour.
type HTTPEngineOption func(*HTTPEngine)

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPEngineOption {
	return func(e *HTTPEngine) {
		if client != nil {
			e.client = client
		}
	}
}

// WithLogger attaches a logger for breaker transitions and request failures.
func WithLogger(logger *slog.Logger) HTTPEngineOption {
	return func(e *HTTPEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRequestTimeout bounds each engine call when the caller's context does
// not carry a sooner deadline.
func WithRequestTimeout(timeout time.Duration) HTTPEngineOption {
	return func(e *HTTPEngine) {
		if timeout > 0 {
			e.requestTimeout = timeout
		}
	}
}

// NewHTTPEngine builds a client for the engine API at baseURL. The token is
// sent as a bearer credential when non-empty.
func NewHTTPEngine(baseURL, token string, opts ...HTTPEngineOption) *HTTPEngine {
	e := &HTTPEngine{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          strings.TrimSpace(token),
		client:         &http.Client{},
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "media-engine",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("engine breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return e
}

type startPushResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

type probeHealthResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

func (e *HTTPEngine) StartPush(ctx context.Context, cfg PushConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal push config: %w", err)
	}
	data, err := e.do(ctx, http.MethodPost, "/v1/push", body, nil)
	if err != nil {
		return err
	}
	var response startPushResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &response); err != nil {
			return fmt.Errorf("decode push response: %w", err)
		}
		if response.Message != "" && !response.Accepted {
			return fmt.Errorf("%w: %s", ErrEngine, response.Message)
		}
	}
	return nil
}

func (e *HTTPEngine) StopPush(ctx context.Context, targetID string) error {
	// A push the engine no longer knows about is already stopped.
	_, err := e.do(ctx, http.MethodDelete, "/v1/push/"+targetID, nil, map[int]bool{http.StatusNotFound: true})
	return err
}

func (e *HTTPEngine) ProbeHealth(ctx context.Context, targetID string) (Health, error) {
	data, err := e.do(ctx, http.MethodGet, "/v1/push/"+targetID+"/health", nil, nil)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return HealthUnreachable, nil
		}
		return HealthUnreachable, err
	}
	var response probeHealthResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return HealthUnreachable, fmt.Errorf("decode health response: %w", err)
	}
	switch Health(response.Status) {
	case HealthHealthy:
		return HealthHealthy, nil
	case HealthUnhealthy:
		return HealthUnhealthy, nil
	default:
		return HealthUnreachable, nil
	}
}

func (e *HTTPEngine) do(ctx context.Context, method, path string, payload []byte, tolerated map[int]bool) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()
	}

	data, err := e.breaker.Execute(func() ([]byte, error) {
		reqBody := io.Reader(nil)
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reqBody)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if e.token != "" {
			req.Header.Set("Authorization", "Bearer "+e.token)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}
		if tolerated[resp.StatusCode] {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrEngine, resp.Status, strings.TrimSpace(string(body)))
	})
	if err != nil {
		return nil, e.classify(method, path, err)
	}
	return data, nil
}

// classify maps transport and breaker failures onto the package sentinels so
// callers can branch without knowing the wire details.
func (e *HTTPEngine) classify(method, path string, err error) error {
	switch {
	case errors.Is(err, ErrEngine):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit open", ErrEngine)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
	}
	e.logger.Warn("engine request failed", "method", method, "path", path, "error", err)
	return fmt.Errorf("%w: %v", ErrEngine, err)
}

var _ MediaEngine = (*HTTPEngine)(nil)
