package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskdelegate/internal/domain"
)

const (
	defaultRemoteRetries      = 2
	defaultRemoteRetryBackoff = 500 * time.Millisecond
	maxHTTPErrorBodyReadSize  = 64 * 1024
)

type HTTPHandlerConfig struct {
	Endpoint     string
	Headers      map[string]string
	Retries      int
	RetryBackoff time.Duration
	Logger       *log.Logger
	Client       *http.Client
}

// HTTPHandler forwards the Request to a remote agent endpoint and decodes the
// Result from the response body.
type HTTPHandler struct {
	endpoint     string
	headers      map[string]string
	retries      int
	retryBackoff time.Duration
	logger       *log.Logger
	client       *http.Client
}

func NewHTTPHandler(cfg HTTPHandlerConfig) (*HTTPHandler, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	if retries == 0 {
		retries = defaultRemoteRetries
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRemoteRetryBackoff
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPHandler{
		endpoint:     endpoint,
		headers:      cfg.Headers,
		retries:      retries,
		retryBackoff: backoff,
		logger:       cfg.Logger,
		client:       client,
	}, nil
}

func (h *HTTPHandler) Handle(ctx context.Context, payload domain.Payload, agent domain.Agent) (domain.Result, error) {
	body, err := json.Marshal(newRequest(payload, agent))
	if err != nil {
		return domain.Result{}, fmt.Errorf("marshal remote request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= h.retries+1; attempt++ {
		res, err := h.once(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) || attempt == h.retries+1 {
			break
		}
		wait := time.Duration(attempt) * h.retryBackoff
		h.logger.Printf("remote agent retry op=%s agent=%s attempt=%d wait=%s reason=%v", payload.Operation, agent.ID, attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	return domain.Result{}, lastErr
}

func (h *HTTPHandler) once(ctx context.Context, body []byte) (domain.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Result{}, fmt.Errorf("create remote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return domain.Result{}, fmt.Errorf("remote agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return domain.Result{}, fmt.Errorf("remote agent status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return domain.Result{}, httpStatusError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(raw)),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxOutputBytes+1))
	if err != nil {
		return domain.Result{}, fmt.Errorf("read remote response: %w", err)
	}
	if len(raw) > defaultMaxOutputBytes {
		return domain.Result{}, fmt.Errorf("remote response exceeds %d bytes", defaultMaxOutputBytes)
	}
	res, err := parseResult(raw)
	if err != nil {
		return domain.Result{}, fmt.Errorf("parse remote response: %w; body: %s", err, trim(string(raw), 800))
	}
	return res, nil
}

func isRetryable(err error) bool {
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("remote agent status=%d", e.statusCode)
	}
	return fmt.Sprintf("remote agent status=%d body=%s", e.statusCode, e.body)
}
