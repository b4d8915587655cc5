// Package health runs named subsystem probes for readiness reporting.
package health

import (
	"context"
	"sync"
	"time"
)

// Check probes one subsystem. A nil return means healthy.
type Check func(ctx context.Context) error

// Result is the outcome of a single probe.
type Result struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Report aggregates all probe outcomes. Healthy is the AND of every probe.
type Report struct {
	Healthy bool     `json:"healthy"`
	Checks  []Result `json:"checks"`
}

type probe struct {
	name  string
	check Check
}

// Registry holds named probes and runs them on demand. Every probe runs
// under the registry's timeout so one stuck dependency cannot wedge the
// whole health endpoint.
type Registry struct {
	mu      sync.RWMutex
	timeout time.Duration
	probes  []probe
}

// NewRegistry creates a registry whose probes each get at most timeout to
// answer. A non-positive timeout defaults to 2 seconds.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a probe. Probes run in registration order.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered probe and aggregates the results.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	rep := Report{Healthy: true, Checks: make([]Result, 0, len(probes))}
	for _, p := range probes {
		rep.Checks = append(rep.Checks, r.run(ctx, p))
	}
	for _, res := range rep.Checks {
		if !res.Healthy {
			rep.Healthy = false
			break
		}
	}
	return rep
}

func (r *Registry) run(ctx context.Context, p probe) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := p.check(ctx)
	res := Result{
		Name:      p.name,
		Healthy:   err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
