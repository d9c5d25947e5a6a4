package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Proton-105/fuel-control/internal/health"
)

// HealthChecker exposes liveness and readiness probes.
type HealthChecker interface {
	Liveness(ctx context.Context) error
	Readiness(ctx context.Context) error
}

// Probes answers liveness from the process itself and readiness from the
// registered component checks.
type Probes struct {
	checker *health.Checker
	log     *slog.Logger
}

// NewProbes creates a new Probes instance.
func NewProbes(checker *health.Checker, log *slog.Logger) *Probes {
	if log == nil {
		log = slog.Default()
	}
	return &Probes{checker: checker, log: log}
}

// Liveness reports success while the process is able to answer at all.
func (p *Probes) Liveness(_ context.Context) error {
	return nil
}

// Readiness fails while any backing service is unreachable. The engine keeps
// metering through outages, but a not-ready process should not receive
// traffic that expects durable writes.
func (p *Probes) Readiness(ctx context.Context) error {
	if p.checker == nil {
		return nil
	}
	if !p.checker.Healthy(ctx) {
		return errors.New("one or more components are unhealthy")
	}
	return nil
}
