package actuator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var hostInit sync.Once

// GPIO drives a relay on one digital output line. Optional indicator
// pins mirror the controller's lifecycle: power is held high for the
// process lifetime, busy is high while an operation is in flight, live
// toggles on each successful operation.
type GPIO struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	pin      gpio.PinIO
	powerPin gpio.PinIO
	busyPin  gpio.PinIO
	livePin  gpio.PinIO
	live     bool
	pulse    *time.Timer
}

func NewGPIO(cfg Config, logger *log.Logger) *GPIO {
	return &GPIO{cfg: cfg, logger: logger}
}

func (g *GPIO) Name() string { return ModeGPIO }

// Probe initializes the periph host, claims the pins, and parks the
// relay inactive.
func (g *GPIO) Probe(context.Context) error {
	var initErr error
	hostInit.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return fmt.Errorf("%w: periph init: %v", ErrUnavailable, initErr)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", g.cfg.GatePin))
	if pin == nil {
		return fmt.Errorf("%w: GPIO%d not present", ErrUnavailable, g.cfg.GatePin)
	}
	if err := pin.Out(g.level(false)); err != nil {
		return fmt.Errorf("%w: GPIO%d: %v", ErrUnavailable, g.cfg.GatePin, err)
	}
	g.pin = pin

	g.powerPin = g.auxPin(g.cfg.PowerPin, gpio.High)
	g.busyPin = g.auxPin(g.cfg.BusyPin, gpio.Low)
	g.livePin = g.auxPin(g.cfg.LivePin, gpio.Low)
	return nil
}

// auxPin claims an optional indicator pin. Aux failures are logged and
// tolerated; only the gate pin is essential.
func (g *GPIO) auxPin(n int, initial gpio.Level) gpio.PinIO {
	if n <= 0 {
		return nil
	}
	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", n))
	if pin == nil {
		g.logger.Printf("gpio: indicator GPIO%d not present, skipping", n)
		return nil
	}
	if err := pin.Out(initial); err != nil {
		g.logger.Printf("gpio: indicator GPIO%d: %v", n, err)
		return nil
	}
	return pin
}

func (g *GPIO) Open(context.Context) error  { return g.drive(true) }
func (g *GPIO) Close(context.Context) error { return g.drive(false) }

func (g *GPIO) drive(active bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pin == nil {
		return fmt.Errorf("%w: not probed", ErrUnavailable)
	}

	g.setAux(g.busyPin, gpio.High)
	defer g.setAux(g.busyPin, gpio.Low)

	if g.pulse != nil {
		g.pulse.Stop()
		g.pulse = nil
	}

	if err := g.pin.Out(g.level(active)); err != nil {
		return fmt.Errorf("%w: drive GPIO%d: %v", ErrUnavailable, g.cfg.GatePin, err)
	}

	// Latched relays only need a pulse: restore the line after the
	// configured duration while the gate stays logically open.
	if active && g.cfg.PulseDuration > 0 {
		g.pulse = time.AfterFunc(g.cfg.PulseDuration, func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.pin != nil {
				_ = g.pin.Out(g.level(false))
			}
		})
	}

	g.live = !g.live
	if g.live {
		g.setAux(g.livePin, gpio.High)
	} else {
		g.setAux(g.livePin, gpio.Low)
	}
	return nil
}

func (g *GPIO) setAux(pin gpio.PinIO, l gpio.Level) {
	if pin != nil {
		_ = pin.Out(l)
	}
}

// level maps logical active/inactive to the wire level honoring
// polarity.
func (g *GPIO) level(active bool) gpio.Level {
	if g.cfg.ActiveHigh {
		return gpio.Level(active)
	}
	return gpio.Level(!active)
}

// Shutdown parks the relay inactive and drops the indicator pins.
func (g *GPIO) Shutdown() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pulse != nil {
		g.pulse.Stop()
		g.pulse = nil
	}
	if g.pin != nil {
		_ = g.pin.Out(g.level(false))
	}
	g.setAux(g.busyPin, gpio.Low)
	g.setAux(g.livePin, gpio.Low)
	g.setAux(g.powerPin, gpio.Low)
	return nil
}
