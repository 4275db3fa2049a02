package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/batasku/erpgate/internal/platform/httpx"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck probes one backing dependency.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func readinessHandler(checks []ReadinessCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		var mu sync.Mutex
		status := make(map[string]string, len(checks))
		ready := true
		var g errgroup.Group
		for _, c := range checks {
			g.Go(func() error {
				result := "ok"
				if err := c.Check(ctx); err != nil {
					logger.Warn("readiness check failed", slog.String("check", c.Name), slog.Any("error", err))
					result = err.Error()
				}
				mu.Lock()
				defer mu.Unlock()
				status[c.Name] = result
				if result != "ok" {
					ready = false
				}
				return nil
			})
		}
		_ = g.Wait()

		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		httpx.JSON(w, code, httpx.Envelope{Success: ready, Data: status})
	}
}
