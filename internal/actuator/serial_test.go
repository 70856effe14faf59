package actuator

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePort struct {
	frames   []string
	writeErr error
	closed   bool
	block    chan struct{} // when set, Write blocks until closed
}

func (f *fakePort) Write(p []byte) (int, error) {
	if f.block != nil {
		<-f.block
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.frames = append(f.frames, string(p))
	return len(p), nil
}

func (f *fakePort) Drain() error { return nil }
func (f *fakePort) Close() error { f.closed = true; return nil }

func testLogger() *log.Logger {
	return log.New(bytes.NewBuffer(nil), "", 0)
}

func newTestSerial(t *testing.T, cfg Config, port *fakePort) *SerialDriver {
	t.Helper()
	d := NewSerial(cfg, testLogger())
	d.open = func() (wirePort, error) { return port, nil }
	require.NoError(t, d.Probe(context.Background()))
	return d
}

func TestSerialOutDialectFrames(t *testing.T) {
	port := &fakePort{}
	d := newTestSerial(t, Config{SerialPort: "/dev/ttyUSB0", Dialect: "out"}, port)

	require.NoError(t, d.Open(context.Background()))
	require.NoError(t, d.Close(context.Background()))
	require.Equal(t, []string{"*OUT1ON#", "*OUT1OFF#"}, port.frames)
}

func TestSerialOpenCloseDialectFrames(t *testing.T) {
	port := &fakePort{}
	d := newTestSerial(t, Config{SerialPort: "/dev/ttyUSB0", Dialect: "openclose"}, port)

	require.NoError(t, d.Open(context.Background()))
	require.NoError(t, d.Close(context.Background()))
	require.Equal(t, []string{"*OPEN1#", "*CLOSE1#"}, port.frames)
}

func TestSerialUnknownDialectFallsBack(t *testing.T) {
	port := &fakePort{}
	d := newTestSerial(t, Config{SerialPort: "/dev/ttyUSB0", Dialect: "mystery"}, port)

	require.NoError(t, d.Open(context.Background()))
	require.Equal(t, []string{"*OUT1ON#"}, port.frames)
}

func TestSerialWriteError(t *testing.T) {
	port := &fakePort{writeErr: errors.New("input/output error")}
	d := newTestSerial(t, Config{SerialPort: "/dev/ttyUSB0"}, port)

	err := d.Open(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSerialWriteTimeout(t *testing.T) {
	port := &fakePort{block: make(chan struct{})}
	defer close(port.block)
	d := newTestSerial(t, Config{SerialPort: "/dev/ttyUSB0", WriteTimeout: 20 * time.Millisecond}, port)

	err := d.Open(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	require.Contains(t, err.Error(), "timed out")
}

func TestSerialRequiresProbe(t *testing.T) {
	d := NewSerial(Config{SerialPort: "/dev/ttyUSB0"}, testLogger())
	err := d.Open(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSerialProbeWithoutPortConfigured(t *testing.T) {
	d := NewSerial(Config{}, testLogger())
	err := d.Probe(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSerialShutdownClosesPort(t *testing.T) {
	port := &fakePort{}
	d := newTestSerial(t, Config{SerialPort: "/dev/ttyUSB0"}, port)

	require.NoError(t, d.Shutdown())
	require.True(t, port.closed)
	require.NoError(t, d.Shutdown())
}

func TestSelectExplicitSimulation(t *testing.T) {
	d, err := Select(context.Background(), Config{Mode: ModeSimulation, SimLatency: time.Millisecond}, testLogger())
	require.NoError(t, err)
	require.Equal(t, ModeSimulation, d.Name())
	require.NoError(t, d.Open(context.Background()))
	require.NoError(t, d.Close(context.Background()))
}

func TestSelectUnknownMode(t *testing.T) {
	_, err := Select(context.Background(), Config{Mode: "pneumatic"}, testLogger())
	require.ErrorIs(t, err, ErrUnavailable)
}
