// Package actuator drives the boom gate. Three interchangeable
// backends exist: a GPIO relay, a serial protocol controller, and a
// simulation. The backend is picked once at startup and fixed for the
// process lifetime.
package actuator

import (
	"context"
	"errors"
	"log"
	"time"
)

var (
	// ErrUnavailable means the backend's hardware could not be reached.
	ErrUnavailable = errors.New("actuator unavailable")
)

// Modes accepted by Config.Mode.
const (
	ModeAuto       = "auto"
	ModeGPIO       = "gpio"
	ModeSerial     = "serial"
	ModeSimulation = "simulation"
)

// Driver is the capability set every backend provides. Open and Close
// are idempotent at the hardware level; logical state lives in the gate
// service, never here.
type Driver interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Probe(ctx context.Context) error
	Name() string
	Shutdown() error
}

// Config carries the hardware settings from the [gate] and [gpio]
// config sections.
type Config struct {
	Mode string

	// Serial backend.
	SerialPort   string
	BaudRate     int
	Dialect      string // "out" or "openclose"
	WriteTimeout time.Duration

	// GPIO backend.
	GatePin       int
	ActiveHigh    bool
	PulseDuration time.Duration
	PowerPin      int // 0 = unused
	BusyPin       int
	LivePin       int

	// Simulation backend.
	SimLatency time.Duration
}

// Select picks the backend. In auto mode it probes GPIO, then serial,
// and settles on simulation; an explicit mode that fails its probe is
// returned as ErrUnavailable so main can exit with the hardware code.
func Select(ctx context.Context, cfg Config, logger *log.Logger) (Driver, error) {
	switch cfg.Mode {
	case ModeGPIO:
		return probed(ctx, NewGPIO(cfg, logger))
	case ModeSerial:
		return probed(ctx, NewSerial(cfg, logger))
	case ModeSimulation:
		return NewSimulation(cfg.SimLatency, logger), nil
	case ModeAuto, "":
	default:
		return nil, ErrUnavailable
	}

	if d, err := probed(ctx, NewGPIO(cfg, logger)); err == nil {
		logger.Printf("actuator: gpio backend selected (pin %d)", cfg.GatePin)
		return d, nil
	}
	if d, err := probed(ctx, NewSerial(cfg, logger)); err == nil {
		logger.Printf("actuator: serial backend selected (%s)", cfg.SerialPort)
		return d, nil
	}
	logger.Printf("actuator: no hardware found, using simulation")
	return NewSimulation(cfg.SimLatency, logger), nil
}

func probed(ctx context.Context, d Driver) (Driver, error) {
	if err := d.Probe(ctx); err != nil {
		_ = d.Shutdown()
		return nil, err
	}
	return d, nil
}
