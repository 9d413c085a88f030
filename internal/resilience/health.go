package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name    string        `json:"name"`
	Status  HealthStatus  `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the result of one pass over every component.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     string            `json:"uptime"`
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentHealth `json:"components"`
	Goroutines int               `json:"goroutines"`
	MemoryMB   uint64            `json:"memory_alloc_mb"`
}

// HealthMonitor runs registered checks on demand. Checks run concurrently
// under a shared timeout; a panicking check reports UNHEALTHY.
type HealthMonitor struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	timeout    time.Duration
	startTime  time.Time
}

// NewHealthMonitor creates a monitor whose checks share timeout.
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		components: make(map[string]HealthCheck),
		timeout:    timeout,
		startTime:  time.Now(),
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Check runs every registered check. The overall status is the worst
// component status.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components))
	for name, check := range components {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()
			start := time.Now()
			health := runCheck(ctx, c)
			health.Name = n
			health.Latency = time.Since(start)
			results <- health
		}(name, check)
	}
	wg.Wait()
	close(results)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	out := SystemHealth{
		Status:     HealthStatusHealthy,
		Uptime:     time.Since(m.startTime).Round(time.Second).String(),
		CheckedAt:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
		MemoryMB:   memStats.Alloc / 1024 / 1024,
	}
	for h := range results {
		out.Components = append(out.Components, h)
		switch h.Status {
		case HealthStatusUnhealthy:
			out.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if out.Status == HealthStatusHealthy {
				out.Status = HealthStatusDegraded
			}
		}
	}
	sort.Slice(out.Components, func(i, j int) bool { return out.Components[i].Name < out.Components[j].Name })
	return out
}

func runCheck(ctx context.Context, c HealthCheck) (h ComponentHealth) {
	defer func() {
		if r := recover(); r != nil {
			h = ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
		}
	}()
	return c(ctx)
}

// HealthHTTPHandler serves Check as JSON; UNHEALTHY answers 503.
func (m *HealthMonitor) HealthHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := m.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	}
}

// DatabaseHealthCheck creates a health check for database connections.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("ping failed: %v", err)}
		}
		if latency := time.Since(start); latency > 100*time.Millisecond {
			return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("slow: %v", latency)}
		}
		return ComponentHealth{Status: HealthStatusHealthy}
	}
}

// CircuitHealthCheck maps a breaker state to health: OPEN is unhealthy,
// HALF_OPEN degraded.
func CircuitHealthCheck(state func() CircuitState) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		switch s := state(); s {
		case CircuitOpen:
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: "circuit open"}
		case CircuitHalfOpen:
			return ComponentHealth{Status: HealthStatusDegraded, Message: "circuit half-open"}
		default:
			return ComponentHealth{Status: HealthStatusHealthy, Message: string(s)}
		}
	}
}
