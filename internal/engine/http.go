package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"go.sqsresolver.dev/internal/common/metrics"
)

// HTTPEngine talks to a resolution service over REST
type HTTPEngine struct {
	baseURL        string
	client         *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
}

var _ Engine = (*HTTPEngine)(nil)

// HTTPConfig configures the HTTP engine client
type HTTPConfig struct {
	// BaseURL of the resolution service
	BaseURL string

	// Timeout for HTTP requests (per-call deadlines come from the context)
	Timeout time.Duration

	// CircuitBreaker settings
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32        // Requests allowed while half-open
	CircuitBreakerInterval    time.Duration // Stats window
	CircuitBreakerRatio       float64       // Failure ratio to trip
	CircuitBreakerTimeout     time.Duration // Time in open state before half-open
	CircuitBreakerMinRequests uint32        // Min requests before evaluating ratio
}

// DefaultHTTPConfig returns sensible defaults
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Timeout:                   10 * time.Minute,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    5,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     10 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// errorBody is the JSON error document returned by the resolution service
type errorBody struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

// NewHTTPEngine creates a new HTTP engine client
func NewHTTPEngine(cfg *HTTPConfig) (*HTTPEngine, error) {
	if cfg == nil {
		cfg = DefaultHTTPConfig()
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid engine URL %q: %w", cfg.BaseURL, err)
	}

	e := &HTTPEngine{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}

	if cfg.CircuitBreakerEnabled {
		e.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "engine",
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.CircuitBreakerRatio
			},
			// A rejected record says nothing about engine health
			IsSuccessful: func(err error) bool {
				var engErr *Error
				if errors.As(err, &engErr) {
					return engErr.Kind == KindBadInput
				}
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Info().
					Str("name", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")

				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = float64(metrics.CircuitBreakerClosed)
				case gobreaker.StateOpen:
					stateValue = float64(metrics.CircuitBreakerOpen)
					metrics.EngineCircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					stateValue = float64(metrics.CircuitBreakerHalfOpen)
				}
				metrics.EngineCircuitBreakerState.WithLabelValues(name).Set(stateValue)
			},
		})
	}

	return e, nil
}

// Init validates the settings and hands them to the service
func (e *HTTPEngine) Init(ctx context.Context, req InitRequest) error {
	if err := ValidateSettings(req.Settings); err != nil {
		return err
	}

	payload, err := json.Marshal(struct {
		InstanceName string          `json:"instanceName"`
		Settings     json.RawMessage `json:"settings"`
		Verbose      bool            `json:"verboseLogging"`
	}{req.InstanceName, req.Settings, req.Verbose})
	if err != nil {
		return fmt.Errorf("failed to encode init request: %w", err)
	}

	_, err = e.do(ctx, "init", http.MethodPost, "/init", payload)
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	return nil
}

// AddRecord adds a record to the repository
func (e *HTTPEngine) AddRecord(ctx context.Context, req AddRequest) (AddResult, error) {
	path := fmt.Sprintf("/data-sources/%s/records/%s",
		url.PathEscape(req.DataSource), url.PathEscape(req.RecordID))
	if req.WithInfo {
		path += "?withInfo=true"
	}

	call := func() (interface{}, error) {
		return e.do(ctx, "add_record", http.MethodPost, path, req.Record, header{"X-Correlation-Id", req.CorrelationID})
	}

	var (
		result interface{}
		err    error
	)
	if e.circuitBreaker != nil {
		result, err = e.circuitBreaker.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn().
				Str("dataSource", req.DataSource).
				Str("recordId", req.RecordID).
				Msg("Circuit breaker open")
			return AddResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	} else {
		result, err = call()
	}
	if err != nil {
		return AddResult{}, err
	}

	body, _ := result.([]byte)
	if !req.WithInfo {
		return AddResult{}, nil
	}
	return AddResult{Info: string(bytes.TrimSpace(body))}, nil
}

// Stats returns the engine's workload statistics document
func (e *HTTPEngine) Stats(ctx context.Context) (string, error) {
	body, err := e.do(ctx, "stats", http.MethodGet, "/stats", nil)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(body)), nil
}

// Heartbeat checks that the service is reachable
func (e *HTTPEngine) Heartbeat(ctx context.Context) error {
	_, err := e.do(ctx, "heartbeat", http.MethodGet, "/heartbeat", nil)
	return err
}

// Close releases idle connections
func (e *HTTPEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

type header struct {
	key, value string
}

// do executes a single request and maps failures to *Error or transport errors
func (e *HTTPEngine) do(ctx context.Context, operation, method, path string, payload []byte, headers ...header) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range headers {
		if h.value != "" {
			req.Header.Set(h.key, h.value)
		}
	}

	startTime := time.Now()
	resp, err := e.client.Do(req)
	duration := time.Since(startTime)
	metrics.EngineHTTPDuration.WithLabelValues(operation).Observe(duration.Seconds())

	if err != nil {
		metrics.EngineHTTPRequests.WithLabelValues("error", method).Inc()
		return nil, fmt.Errorf("engine %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	metrics.EngineHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), method).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read engine response: %w", err)
	}

	log.Debug().
		Str("operation", operation).
		Int("statusCode", resp.StatusCode).
		Int("bodyLen", len(body)).
		Dur("duration", duration).
		Msg("Engine response received")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyResponse(resp.StatusCode, body)
}

// maxErrorMessage bounds an untyped error body carried in Error.Message
const maxErrorMessage = 512

// classifyResponse maps a non-2xx status to an engine error. The engine's
// own errorType wins over the status code. A 4xx is only bad input when the
// engine answered with an error document; a bare 4xx may come from a proxy
// or a wrong base URL and is retried.
func classifyResponse(statusCode int, body []byte) *Error {
	var eb errorBody
	isDocument := json.Unmarshal(body, &eb) == nil && (eb.ErrorType != "" || eb.Message != "")

	message := eb.Message
	if message == "" {
		message = truncate(strings.TrimSpace(string(body)), maxErrorMessage)
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	kind := KindRetryable
	switch {
	case eb.ErrorType != "":
		kind = ParseErrorKind(eb.ErrorType)
	case !isDocument:
		kind = KindRetryable
	case statusCode == http.StatusBadRequest, statusCode == http.StatusNotFound,
		statusCode == http.StatusConflict, statusCode == http.StatusUnprocessableEntity:
		kind = KindBadInput
	}

	return &Error{Kind: kind, Code: statusCode, Message: message}
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
