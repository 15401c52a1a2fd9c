package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHandleHealth(t *testing.T) {
	ok := checkFunc(func(context.Context) error { return nil })
	broken := checkFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		checks     map[string]Checker
		ready      bool
		wantCode   int
		wantStatus string
	}{
		{name: "healthy", checks: map[string]Checker{"redis": ok, "sqlite": ok}, ready: true, wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "starting", checks: map[string]Checker{"redis": ok}, ready: false, wantCode: http.StatusServiceUnavailable, wantStatus: "starting"},
		{name: "component down", checks: map[string]Checker{"redis": ok, "sqlite": broken}, ready: true, wantCode: http.StatusServiceUnavailable, wantStatus: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checks)
			if tt.ready {
				h.SetReady()
			}
			app := fiber.New()
			app.Get("/health", h.HandleHealth)

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			var body OverallHealth
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.OverallStatus != tt.wantStatus || len(body.Components) != len(tt.checks) {
				t.Errorf("body = %+v", body)
			}
			if c, ok := body.Components["sqlite"]; ok && tt.name == "component down" && c.Error == "" {
				t.Errorf("sqlite component = %+v, want error", c)
			}
		})
	}
}
