// Package health probes the gateway's dependencies for the /health endpoint.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is one checked dependency.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"`
	CheckResult
}

// Probe checks one dependency. A failing critical probe makes the whole
// gateway unhealthy; any other failure only degrades it.
type Probe struct {
	Name     string
	Type     string
	Critical bool
	Ping     func(ctx context.Context) error
}

// Pinger is implemented by the ledger and other stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store wraps a Pinger as a critical database probe.
func Store(name string, p Pinger) Probe {
	return Probe{Name: name, Type: "database", Critical: true, Ping: p.Ping}
}

// Checker performs health checks on the configured probes.
type Checker struct {
	probes     []Probe
	httpURLs   map[string]string
	httpClient *http.Client
	timeout    time.Duration
	maxLatency time.Duration
	mu         sync.RWMutex
	components []Component
}

// Config holds health checker configuration.
type Config struct {
	Probes []Probe
	// HTTPEndpoints maps a component name to a URL checked for reachability.
	HTTPEndpoints map[string]string
	Timeout       time.Duration
	// MaxLatency marks slower probes as degraded.
	MaxLatency time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency == 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	return &Checker{
		probes:     cfg.Probes,
		httpURLs:   cfg.HTTPEndpoints,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		timeout:    cfg.Timeout,
		maxLatency: cfg.MaxLatency,
	}
}

// Check runs every probe concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.probes)+len(c.httpURLs))

	for _, p := range c.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			results <- c.runProbe(ctx, p)
		}(p)
	}
	for name, url := range c.httpURLs {
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			results <- c.checkHTTPEndpoint(ctx, name, url)
		}(name, url)
	}
	wg.Wait()
	close(results)

	components := make([]Component, 0, len(c.probes)+len(c.httpURLs))
	for comp := range results {
		components = append(components, comp)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.overall(components)
}

func (c *Checker) runProbe(ctx context.Context, p Probe) Component {
	comp := Component{Name: p.Name, Type: p.Type, CheckResult: CheckResult{Timestamp: time.Now()}}
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(pctx)
	comp.Latency = time.Since(start)

	switch {
	case err != nil && p.Critical:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case err != nil:
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

// checkHTTPEndpoint treats any HTTP response as reachable.
func (c *Checker) checkHTTPEndpoint(ctx context.Context, name, url string) Component {
	comp := Component{Name: name, Type: "http", CheckResult: CheckResult{Timestamp: time.Now()}}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		return comp
	}
	resp, err := c.httpClient.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	resp.Body.Close()
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

func (c *Checker) overall(components []Component) HealthStatus {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return HealthStatus{Status: status, Timestamp: time.Now(), Components: components}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.components) == 0 {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return c.overall(c.components)
}
