package service

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/garasindo/exitgate/internal/exitgate/types"
)

type fakeDriver struct {
	mu       sync.Mutex
	openErr  error
	closeErr error
	opens    int
	closes   int

	// Optional hooks for overlap scenarios: each Open signals
	// openEntered, then blocks until openRelease is closed.
	openEntered chan struct{}
	openRelease chan struct{}
}

func (d *fakeDriver) Open(context.Context) error {
	d.mu.Lock()
	d.opens++
	err := d.openErr
	entered, release := d.openEntered, d.openRelease
	d.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return err
}

func (d *fakeDriver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return d.closeErr
}

func (d *fakeDriver) Probe(context.Context) error { return nil }
func (d *fakeDriver) Name() string                { return "fake" }
func (d *fakeDriver) Shutdown() error             { return nil }

func (d *fakeDriver) setOpenErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

func (d *fakeDriver) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

func quietLogger() *log.Logger {
	return log.New(bytes.NewBuffer(nil), "", 0)
}

func newTestGate(cfg GateConfig) (*Gate, *fakeDriver) {
	drv := &fakeDriver{}
	return NewGate(drv, nil, cfg, quietLogger()), drv
}

func nextTransition(t *testing.T, ch <-chan types.GateTransition) types.GateTransition {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gate transition")
		return types.GateTransition{}
	}
}

func TestGateOpenCloseCycle(t *testing.T) {
	g, drv := newTestGate(GateConfig{})
	sub := g.Subscribe(8)
	ctx := context.Background()

	require.NoError(t, g.Open(ctx, 0))
	require.Equal(t, types.GateOpening, nextTransition(t, sub).To)
	require.Equal(t, types.GateOpen, nextTransition(t, sub).To)
	require.Equal(t, types.GateOpen, g.Status().State)

	require.NoError(t, g.Close(ctx))
	require.Equal(t, types.GateClosing, nextTransition(t, sub).To)
	require.Equal(t, types.GateClosed, nextTransition(t, sub).To)
	require.Equal(t, types.GateClosed, g.Status().State)

	opens, closes := drv.counts()
	require.Equal(t, 1, opens)
	require.Equal(t, 1, closes)
}

func TestGateCloseWhileClosedIsBusy(t *testing.T) {
	g, _ := newTestGate(GateConfig{})
	require.ErrorIs(t, g.Close(context.Background()), ErrBusy)
}

func TestGateReopenWhileOpen(t *testing.T) {
	g, drv := newTestGate(GateConfig{})
	ctx := context.Background()

	require.NoError(t, g.Open(ctx, 0))
	require.NoError(t, g.Open(ctx, 0))
	require.Equal(t, types.GateOpen, g.Status().State)

	opens, _ := drv.counts()
	require.Equal(t, 2, opens)
}

func TestGateActuatorFault(t *testing.T) {
	g, drv := newTestGate(GateConfig{})
	drv.setOpenErr(errors.New("relay stuck"))
	ctx := context.Background()

	err := g.Open(ctx, 0)
	require.ErrorIs(t, err, ErrGateFault)

	st := g.Status()
	require.Equal(t, types.GateError, st.State)
	require.Contains(t, st.LastError, "relay stuck")
	require.Equal(t, uint64(1), st.ErrorCount)

	// Everything bounces until an operator resets.
	require.ErrorIs(t, g.Open(ctx, 0), ErrBusy)
	require.ErrorIs(t, g.Close(ctx), ErrBusy)

	drv.setOpenErr(nil)
	require.NoError(t, g.ResetError())
	require.Equal(t, types.GateClosed, g.Status().State)
	require.NoError(t, g.Open(ctx, 0))
}

func TestGateResetWithoutFault(t *testing.T) {
	g, _ := newTestGate(GateConfig{})
	require.ErrorIs(t, g.ResetError(), ErrBusy)
}

func TestGateAutoClose(t *testing.T) {
	g, drv := newTestGate(GateConfig{})
	sub := g.Subscribe(8)

	require.NoError(t, g.Open(context.Background(), 30*time.Millisecond))
	require.Equal(t, types.GateOpening, nextTransition(t, sub).To)
	require.Equal(t, types.GateOpen, nextTransition(t, sub).To)

	// The timer closes the gate with no further calls.
	require.Equal(t, types.GateClosing, nextTransition(t, sub).To)
	require.Equal(t, types.GateClosed, nextTransition(t, sub).To)
	require.Equal(t, types.GateClosed, g.Status().State)

	_, closes := drv.counts()
	require.Equal(t, 1, closes)
}

func TestGateReopenRearmsAutoClose(t *testing.T) {
	g, _ := newTestGate(GateConfig{})
	sub := g.Subscribe(16)
	ctx := context.Background()

	require.NoError(t, g.Open(ctx, 80*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	// Second vehicle: the timer restarts from now.
	require.NoError(t, g.Open(ctx, 80*time.Millisecond))
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, types.GateOpen, g.Status().State)

	deadline := time.After(2 * time.Second)
	for g.Status().State != types.GateClosed {
		select {
		case <-sub:
		case <-deadline:
			t.Fatal("gate never auto-closed")
		}
	}
}

func TestGateManualCloseCancelsAutoClose(t *testing.T) {
	g, drv := newTestGate(GateConfig{})
	ctx := context.Background()

	require.NoError(t, g.Open(ctx, 50*time.Millisecond))
	require.NoError(t, g.Close(ctx))
	time.Sleep(100 * time.Millisecond)

	_, closes := drv.counts()
	require.Equal(t, 1, closes)
	require.Equal(t, types.GateClosed, g.Status().State)
}

func TestGateTransitionOrderUnderConcurrency(t *testing.T) {
	g, _ := newTestGate(GateConfig{})
	sub := g.Subscribe(256)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				if err := g.Open(ctx, 0); err == nil {
					_ = g.Close(ctx)
				}
			}
		}()
	}
	wg.Wait()

	// Every observed transition chains from the previous one.
	prev := types.GateClosed
	for {
		select {
		case tr := <-sub:
			require.Equal(t, prev, tr.From, "transition out of order")
			prev = tr.To
		default:
			return
		}
	}
}
