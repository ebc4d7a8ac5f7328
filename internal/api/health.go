package api

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RedisPinger wraps a Redis ping so tests need no live client.
type RedisPinger func(ctx context.Context) error

// QueueDepth reports the number of due-or-delayed jobs.
type QueueDepth func(ctx context.Context) (int64, error)

// ComponentCheck is the health of one dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // up, degraded, down
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker reports liveness and readiness of the worker process.
type HealthChecker struct {
	db        Pinger
	redis     RedisPinger
	queue     QueueDepth
	startTime time.Time
}

// NewHealthChecker builds a checker. Nil dependencies report "down".
func NewHealthChecker(db Pinger, redis RedisPinger, queue QueueDepth) *HealthChecker {
	return &HealthChecker{db: db, redis: redis, queue: queue, startTime: time.Now()}
}

//	GET /healthz
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(hc.startTime).Truncate(time.Second).String(),
	})
}

// HandleReadiness returns 503 when Postgres or Redis is down.
//
//	GET /readyz
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := map[string]ComponentCheck{
		"database": hc.ping(r.Context(), 3*time.Second, time.Second, func(ctx context.Context) error {
			if hc.db == nil {
				return fmt.Errorf("not configured")
			}
			return hc.db.PingContext(ctx)
		}),
		"redis": hc.ping(r.Context(), 2*time.Second, 500*time.Millisecond, func(ctx context.Context) error {
			if hc.redis == nil {
				return fmt.Errorf("not configured")
			}
			return hc.redis(ctx)
		}),
	}
	if hc.queue != nil {
		if depth, err := hc.queue(r.Context()); err == nil {
			checks["queue"] = ComponentCheck{Status: "up", Message: fmt.Sprintf("%d jobs pending", depth)}
		}
	}

	ready := checks["database"].Status != "down" && checks["redis"].Status != "down"
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]interface{}{"ready": ready, "checks": checks})
}

func (hc *HealthChecker) ping(ctx context.Context, timeout, slow time.Duration, fn func(context.Context) error) ComponentCheck {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(pingCtx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	if latency > slow {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}
