package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/metrics"
)

// Retry and breaker tuning for the Convex transport.
const (
	convexTimeout    = 10 * time.Second
	convexRetries    = 3
	convexRetryDelay = time.Second

	breakerFailures = 5
	breakerCooldown = 30 * time.Second

	maxResponseBytes = 4 << 20
)

// Convex talks to a Convex deployment over its HTTP function API. All
// calls go through a retry envelope (1 s initial delay, doubling, 3
// attempts) and a circuit breaker that short-circuits after repeated
// failures so a dead deployment does not stall every handler.
type Convex struct {
	baseURL    string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	retryDelay time.Duration
	log        *zap.Logger
}

// NewConvex builds a Convex client for the deployment at baseURL.
func NewConvex(baseURL string, log *zap.Logger) *Convex {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Convex{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: convexTimeout},
		retryDelay: convexRetryDelay,
		log:        log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "convex",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		Timeout: breakerCooldown,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("storage breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// Query implements Client.
func (c *Convex) Query(ctx context.Context, path string, args Args) (json.RawMessage, error) {
	return c.call(ctx, "query", path, args)
}

// Mutation implements Client.
func (c *Convex) Mutation(ctx context.Context, path string, args Args) (json.RawMessage, error) {
	return c.call(ctx, "mutation", path, args)
}

// Close implements Client.
func (c *Convex) Close(context.Context) error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Convex) call(ctx context.Context, fn, path string, args Args) (json.RawMessage, error) {
	var out json.RawMessage
	err := retry.Do(
		func() error {
			result, err := c.breaker.Execute(func() (any, error) {
				return c.post(ctx, fn, path, args)
			})
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return apperr.External("storage", fmt.Errorf("storage circuit open: %w", err))
			}
			if err != nil {
				return err
			}
			out = result.(json.RawMessage)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(convexRetries),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(apperr.IsRetryable),
	)
	metrics.RecordStorageCall(path, err)
	return out, err
}

// convexResponse is the function API envelope.
type convexResponse struct {
	Status       string          `json:"status"`
	Value        json.RawMessage `json:"value"`
	ErrorMessage string          `json:"errorMessage"`
}

func (c *Convex) post(ctx context.Context, fn, path string, args Args) (json.RawMessage, error) {
	if args == nil {
		args = Args{}
	}
	body, err := json.Marshal(map[string]any{
		"path":   path,
		"args":   args,
		"format": "json",
	})
	if err != nil {
		return nil, apperr.ExternalFatal("storage", fmt.Errorf("encode %s args: %w", path, err))
	}

	url := fmt.Sprintf("%s/api/%s", c.baseURL, fn)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.ExternalFatal("storage", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Timeout(path)
		}
		return nil, apperr.External("storage", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.External("storage", fmt.Errorf("read %s response: %w", path, err))
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, apperr.External("storage", fmt.Errorf("%s: %s: %s", path, resp.Status, firstLine(raw)))
	case resp.StatusCode >= 400:
		return nil, apperr.ExternalFatal("storage", fmt.Errorf("%s: %s: %s", path, resp.Status, firstLine(raw)))
	}

	var envelope convexResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, apperr.External("storage", fmt.Errorf("decode %s response: %w", path, err))
	}
	if envelope.Status != "success" {
		return nil, apperr.ExternalFatal("storage", fmt.Errorf("%s: %s", path, envelope.ErrorMessage))
	}
	return envelope.Value, nil
}

func firstLine(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
