package actuator

import (
	"context"
	"log"
	"time"
)

const defaultSimLatency = 500 * time.Millisecond

// Simulation is the no-hardware backend used on development machines
// and as the terminal fallback of auto-selection. It mimics the travel
// time of a real boom arm so timing bugs still show up.
type Simulation struct {
	latency time.Duration
	logger  *log.Logger
}

func NewSimulation(latency time.Duration, logger *log.Logger) *Simulation {
	if latency < 0 {
		latency = 0
	} else if latency == 0 {
		latency = defaultSimLatency
	}
	return &Simulation{latency: latency, logger: logger}
}

func (s *Simulation) Name() string { return ModeSimulation }

func (s *Simulation) Probe(context.Context) error { return nil }

func (s *Simulation) Open(ctx context.Context) error {
	return s.travel(ctx, "open")
}

func (s *Simulation) Close(ctx context.Context) error {
	return s.travel(ctx, "close")
}

func (s *Simulation) travel(ctx context.Context, op string) error {
	select {
	case <-time.After(s.latency):
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Printf("simulation: gate %s", op)
	return nil
}

func (s *Simulation) Shutdown() error { return nil }
