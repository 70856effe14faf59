// Package service holds the lane's moving parts: the gate state
// machine and the exit controller orchestrating scan-to-open.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/garasindo/exitgate/internal/actuator"
	"github.com/garasindo/exitgate/internal/bus"
	"github.com/garasindo/exitgate/internal/exitgate/types"
)

var (
	// ErrBusy is returned when the gate is mid-operation or the
	// controller already has a scan in flight.
	ErrBusy = errors.New("busy")

	// ErrGateFault is returned when the actuator fails; the gate parks
	// in ERROR until an operator resets it.
	ErrGateFault = errors.New("gate actuator failed")
)

const defaultActuatorTimeout = 5 * time.Second

// GateConfig carries the gate service settings.
type GateConfig struct {
	// AutoClose is the default auto-close delay for Open. 0 disables.
	AutoClose time.Duration
	// ActuatorTimeout bounds each driver call.
	ActuatorTimeout time.Duration
}

// Gate owns the actuator and the per-lane state machine. All mutations
// are serialized by one mutex; the mutex is held across the actuator
// call (which is bounded by its own timeout) and nothing else that
// blocks. Transition listeners run after the lock is released so they
// may query Status.
type Gate struct {
	driver actuator.Driver
	bus    *bus.Bus
	cfg    GateConfig
	logger *log.Logger
	clock  func() time.Time

	mu           sync.Mutex
	state        types.GateState
	lastErr      string
	opCount      uint64
	successCount uint64
	errorCount   uint64
	lastOpAt     time.Time
	timer        *time.Timer
	timerGen     uint64

	emitMu sync.Mutex
	subs   []chan types.GateTransition
}

func NewGate(driver actuator.Driver, b *bus.Bus, cfg GateConfig, logger *log.Logger) *Gate {
	if cfg.ActuatorTimeout <= 0 {
		cfg.ActuatorTimeout = defaultActuatorTimeout
	}
	return &Gate{
		driver: driver,
		bus:    b,
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
		state:  types.GateClosed,
	}
}

// SetClock overrides the time source. Test helper.
func (g *Gate) SetClock(clock func() time.Time) { g.clock = clock }

// Subscribe returns a channel receiving every state transition. The
// buffer must be drained promptly; transitions beyond it are dropped
// for that subscriber.
func (g *Gate) Subscribe(buffer int) <-chan types.GateTransition {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan types.GateTransition, buffer)
	g.emitMu.Lock()
	defer g.emitMu.Unlock()
	g.subs = append(g.subs, ch)
	return ch
}

// Open drives the gate open. autoClose < 0 means "use the configured
// default"; 0 disables the auto-close timer for this cycle. From OPEN
// it re-arms the timer without faulting. Any other state is busy.
func (g *Gate) Open(ctx context.Context, autoClose time.Duration) error {
	if autoClose < 0 {
		autoClose = g.cfg.AutoClose
	}

	g.mu.Lock()
	if g.state != types.GateClosed && g.state != types.GateOpen {
		g.mu.Unlock()
		return ErrBusy
	}
	g.cancelTimerLocked()

	var transitions []types.GateTransition
	if g.state == types.GateClosed {
		transitions = append(transitions, g.transitionLocked(types.GateOpening, ""))
	}

	g.opCount++
	g.lastOpAt = g.clock()
	err := g.drive(ctx, g.driver.Open)
	if err != nil {
		g.errorCount++
		transitions = append(transitions, g.transitionLocked(types.GateError, err.Error()))
		g.flush(transitions)
		return fmt.Errorf("%w: %v", ErrGateFault, err)
	}
	g.successCount++
	if g.state != types.GateOpen {
		transitions = append(transitions, g.transitionLocked(types.GateOpen, ""))
	}
	if autoClose > 0 {
		g.armTimerLocked(autoClose)
	}
	g.flush(transitions)
	return nil
}

// Close drives the gate closed. Legal from OPEN or OPENING; a pending
// auto-close timer is cancelled either way.
func (g *Gate) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.state != types.GateOpen && g.state != types.GateOpening {
		g.mu.Unlock()
		return ErrBusy
	}
	g.cancelTimerLocked()

	transitions := []types.GateTransition{g.transitionLocked(types.GateClosing, "")}

	g.opCount++
	g.lastOpAt = g.clock()
	err := g.drive(ctx, g.driver.Close)
	if err != nil {
		g.errorCount++
		transitions = append(transitions, g.transitionLocked(types.GateError, err.Error()))
		g.flush(transitions)
		return fmt.Errorf("%w: %v", ErrGateFault, err)
	}
	g.successCount++
	transitions = append(transitions, g.transitionLocked(types.GateClosed, ""))
	g.flush(transitions)
	return nil
}

// ResetError acknowledges a fault. Closed is the assumed-safe state:
// the arm falls closed when the motor is unpowered.
func (g *Gate) ResetError() error {
	g.mu.Lock()
	if g.state != types.GateError {
		g.mu.Unlock()
		return fmt.Errorf("reset from %s: %w", g.state, ErrBusy)
	}
	g.lastErr = ""
	transitions := []types.GateTransition{g.transitionLocked(types.GateClosed, "")}
	g.flush(transitions)
	return nil
}

// Status returns a snapshot.
func (g *Gate) Status() types.GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return types.GateStatus{
		State:        g.state,
		ControlMode:  g.driver.Name(),
		LastError:    g.lastErr,
		OpCount:      g.opCount,
		SuccessCount: g.successCount,
		ErrorCount:   g.errorCount,
		LastOpAt:     g.lastOpAt,
	}
}

// Shutdown cancels the timer and releases the actuator.
func (g *Gate) Shutdown() {
	g.mu.Lock()
	g.cancelTimerLocked()
	g.mu.Unlock()
	if err := g.driver.Shutdown(); err != nil {
		g.logger.Printf("gate: actuator shutdown: %v", err)
	}
}

func (g *Gate) drive(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ActuatorTimeout)
	defer cancel()
	return op(ctx)
}

// transitionLocked records a state change; the caller emits it after
// releasing the mutex.
func (g *Gate) transitionLocked(to types.GateState, errMsg string) types.GateTransition {
	tr := types.GateTransition{From: g.state, To: to, At: g.clock(), Err: errMsg}
	g.state = to
	if errMsg != "" {
		g.lastErr = errMsg
	}
	return tr
}

func (g *Gate) armTimerLocked(d time.Duration) {
	g.timerGen++
	gen := g.timerGen
	g.timer = time.AfterFunc(d, func() {
		g.mu.Lock()
		stale := gen != g.timerGen
		g.mu.Unlock()
		if stale {
			return
		}
		if err := g.Close(context.Background()); err != nil && !errors.Is(err, ErrBusy) {
			g.logger.Printf("gate: auto-close: %v", err)
		}
	})
}

func (g *Gate) cancelTimerLocked() {
	g.timerGen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// flush publishes the collected transitions on the release edge:
// emitMu is taken before the state mutex drops, so subscribers see
// transitions in commit order across operations.
func (g *Gate) flush(transitions []types.GateTransition) {
	g.emitMu.Lock()
	g.mu.Unlock()
	defer g.emitMu.Unlock()

	for _, tr := range transitions {
		g.logger.Printf("gate: %s -> %s%s", tr.From, tr.To, errSuffix(tr.Err))
		if g.bus != nil {
			fields := map[string]any{"from": string(tr.From), "to": string(tr.To)}
			if tr.Err != "" {
				fields["error"] = tr.Err
			}
			g.bus.Publish(types.NewEvent(types.EventGateState, tr.At, fields))
		}
		for _, ch := range g.subs {
			select {
			case ch <- tr:
			default:
			}
		}
	}
}

func errSuffix(msg string) string {
	if msg == "" {
		return ""
	}
	return " (" + msg + ")"
}
