package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2"
)

// HTTPSource polls the service's JSON API with the user's API key.
type HTTPSource struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *HTTPSource) Entitlement(ctx context.Context) (entitlements.Snapshot, error) {
	return s.do(ctx, fiber.Get(s.url("/api/v1/billing/entitlement")))
}

func (s *HTTPSource) Resync(ctx context.Context) (entitlements.Snapshot, error) {
	return s.do(ctx, fiber.Post(s.url("/api/v1/billing/resync")))
}

func (s *HTTPSource) url(path string) string {
	return strings.TrimRight(s.BaseURL, "/") + path
}

func (s *HTTPSource) do(ctx context.Context, a *fiber.Agent) (entitlements.Snapshot, error) {
	var snap entitlements.Snapshot
	if err := ctx.Err(); err != nil {
		return snap, err
	}

	timeout := s.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	a.Set("X-API-Key", s.APIKey)
	a.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	a.Timeout(timeout)

	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return snap, errors.Join(errs...)
	}
	if code != fiber.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return snap, fmt.Errorf("%s: %s (HTTP %d)", apiErr.Error, apiErr.Message, code)
		}
		return snap, fmt.Errorf("unexpected HTTP %d", code)
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return snap, fmt.Errorf("decode entitlement: %w", err)
	}
	return snap, nil
}
