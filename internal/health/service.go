package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"rankengine/internal/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"golang.org/x/sync/errgroup"
)

const checkTimeout = 8 * time.Second

type Checker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler reports readiness and the state of the redis and sqlite
// backends the rank pipeline depends on.
type HealthHandler struct {
	log       *logger.Logger
	checks    map[string]Checker
	startTime time.Time
	isReady   atomic.Bool
}

func NewHealthHandler(checks map[string]Checker) *HealthHandler {
	return &HealthHandler{
		log:       logger.New("HealthCheck"),
		checks:    checks,
		startTime: time.Now(),
	}
}

// SetReady is called once the worker and routes are up.
func (h *HealthHandler) SetReady() {
	h.isReady.Store(true)
	h.log.LogSuccessf("ready for traffic after %v", time.Since(h.startTime))
}

type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type OverallHealth struct {
	OverallStatus string                     `json:"overall_status"`
	Timestamp     string                     `json:"timestamp"`
	Ready         bool                       `json:"ready"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Components    map[string]ComponentStatus `json:"components"`
}

// runChecks checks every component concurrently. A failing component is a
// result, not an error, so the group never aborts early.
func (h *HealthHandler) runChecks(ctx context.Context) (map[string]ComponentStatus, bool) {
	var mu sync.Mutex
	statuses := make(map[string]ComponentStatus, len(h.checks))
	healthy := true

	var g errgroup.Group
	for name, check := range h.checks {
		g.Go(func() error {
			began := time.Now()
			st := ComponentStatus{Status: "ok"}
			if err := check.HealthCheck(ctx); err != nil {
				st = ComponentStatus{Status: "error", Error: err.Error()}
				h.log.LogErrorf("%s unhealthy after %v: %v", name, time.Since(began), err)
			}
			mu.Lock()
			statuses[name] = st
			healthy = healthy && st.Error == ""
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return statuses, healthy
}

func (h *HealthHandler) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), checkTimeout)
	defer cancel()

	statuses, healthy := h.runChecks(ctx)
	ready := h.isReady.Load()
	resp := OverallHealth{
		OverallStatus: "ok",
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Ready:         ready,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Components:    statuses,
	}
	switch {
	case !ready:
		resp.OverallStatus = "starting"
	case !healthy:
		resp.OverallStatus = "error"
		h.log.LogWarnf("health check failed: %+v", statuses)
	default:
		return c.Status(http.StatusOK).JSON(resp)
	}
	return c.Status(http.StatusServiceUnavailable).JSON(resp)
}

func HealthLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        300,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "Rate limit exceeded"})
		},
	})
}
