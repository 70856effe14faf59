package actuator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial command dialects. Which one a controller speaks depends on its
// firmware; the table is configuration, not detection.
var dialects = map[string]struct{ open, close string }{
	"out":       {open: "*OUT1ON#", close: "*OUT1OFF#"},
	"openclose": {open: "*OPEN1#", close: "*CLOSE1#"},
}

const defaultWriteTimeout = time.Second

// wirePort is the slice of serial.Port the driver uses; tests inject a
// recording implementation.
type wirePort interface {
	Write(p []byte) (int, error)
	Drain() error
	Close() error
}

// Serial sends framed ASCII commands over a byte-oriented line. The
// protocol has no replies: success means the frame was written and
// flushed.
type SerialDriver struct {
	cfg    Config
	logger *log.Logger

	mu   sync.Mutex
	port wirePort
	open func() (wirePort, error)
}

func NewSerial(cfg Config, logger *log.Logger) *SerialDriver {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 9600
	}
	if _, ok := dialects[cfg.Dialect]; !ok {
		cfg.Dialect = "out"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	d := &SerialDriver{cfg: cfg, logger: logger}
	d.open = func() (wirePort, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		return serial.Open(cfg.SerialPort, mode)
	}
	return d
}

func (d *SerialDriver) Name() string { return ModeSerial }

// Probe opens the configured port, holding it for the process
// lifetime. Reconfiguration requires Shutdown and a fresh probe.
func (d *SerialDriver) Probe(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		return nil
	}
	if d.cfg.SerialPort == "" {
		return fmt.Errorf("%w: no serial port configured", ErrUnavailable)
	}
	port, err := d.open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrUnavailable, d.cfg.SerialPort, err)
	}
	d.port = port
	return nil
}

func (d *SerialDriver) Open(ctx context.Context) error {
	return d.send(ctx, dialects[d.cfg.Dialect].open)
}

func (d *SerialDriver) Close(ctx context.Context) error {
	return d.send(ctx, dialects[d.cfg.Dialect].close)
}

// send writes one frame under the port mutex, bounded by the write
// timeout. The line has no flow control, so a wedged USB adapter is the
// only way this blocks; in that case the write is abandoned and the
// gate service surfaces an actuator error.
func (d *SerialDriver) send(ctx context.Context, frame string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return fmt.Errorf("%w: port not open", ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.WriteTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if _, err := d.port.Write([]byte(frame)); err != nil {
			done <- err
			return
		}
		done <- d.port.Drain()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: write %q: %v", ErrUnavailable, frame, err)
		}
		d.logger.Printf("serial: sent %s", frame)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: write %q timed out", ErrUnavailable, frame)
	}
}

func (d *SerialDriver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}
