package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/avast/retry-go"
	"go.uber.org/zap"
)

// Config holds HTTP reporter configuration
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Attempts   uint
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Reporter delivers results to an external results service over HTTP.
type Reporter struct {
	baseURL    string
	client     *http.Client
	attempts   uint
	retryDelay time.Duration
	logger     *zap.Logger
}

type deleteRequest struct {
	ExecutionIDs []string `json:"execution_ids"`
}

// NewReporter creates a new HTTP result reporter
func NewReporter(cfg *Config) *Reporter {
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 1
	}
	return &Reporter{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     &http.Client{Timeout: cfg.Timeout},
		attempts:   attempts,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
	}
}

// Deliver posts a result payload
func (r *Reporter) Deliver(ctx context.Context, payload domain.ResultPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return r.do(ctx, http.MethodPost, r.baseURL+"/results", body,
		zap.String("execution_id", payload.ExecutionID))
}

// DeleteResults removes previously delivered results in one batch
func (r *Reporter) DeleteResults(ctx context.Context, executionIDs []string) error {
	if len(executionIDs) == 0 {
		return nil
	}

	body, err := json.Marshal(deleteRequest{ExecutionIDs: executionIDs})
	if err != nil {
		return fmt.Errorf("failed to marshal delete request: %w", err)
	}

	return r.do(ctx, http.MethodDelete, r.baseURL+"/results", body,
		zap.Int("count", len(executionIDs)))
}

func (r *Reporter) do(ctx context.Context, method, url string, body []byte, fields ...zap.Field) error {
	return retry.Do(
		func() error {
			return r.send(ctx, method, url, body)
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("results service call failed, retrying",
				append(fields,
					zap.String("method", method),
					zap.Uint("attempt", n+1),
					zap.Error(err))...)
		}),
	)
}

func (r *Reporter) send(ctx context.Context, method, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call results service: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("results service returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		// client errors will not succeed on retry
		return retry.Unrecoverable(fmt.Errorf("results service rejected request: %d", resp.StatusCode))
	}

	return nil
}
