package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/garasindo/exitgate/internal/bus"
	"github.com/garasindo/exitgate/internal/camera"
	"github.com/garasindo/exitgate/internal/exitgate/fee"
	"github.com/garasindo/exitgate/internal/exitgate/store"
	"github.com/garasindo/exitgate/internal/exitgate/store/membercache"
	"github.com/garasindo/exitgate/internal/exitgate/types"
)

var (
	// ErrAlreadyExited means the resolved transaction was closed
	// earlier; the gate is not re-opened.
	ErrAlreadyExited = errors.New("transaction already exited")

	// ErrWriteFailed means the exit commit did not land even after the
	// conflict retry. The gate stays closed.
	ErrWriteFailed = errors.New("exit commit failed")
)

// Attachment names written on exit. Entry-side attachments use other
// names and are never touched.
const (
	AttachmentPlate  = "exit.jpg"
	AttachmentDriver = "exit_driver.jpg"
)

const defaultCameraTimeout = 10 * time.Second

// ControllerConfig identifies the lane and sets orchestration knobs.
type ControllerConfig struct {
	GateID     string
	OperatorID string
	ShiftID    string

	// DebugMode opens the gate for unresolvable scans. Every such open
	// is flagged on the event stream; nothing is written to the store.
	DebugMode bool

	// AutoClose is passed through to the gate on successful exits.
	// 0 disables, negative uses the gate's default.
	AutoClose time.Duration

	CameraTimeout time.Duration
}

// Controller orchestrates the scan hot path: resolve, price, commit,
// attach evidence, open. It is single-flight per lane; the scan queue
// is consumed serially and manual commands bounce off the same guard.
type Controller struct {
	store   store.TransactionStore
	members *membercache.Cache
	fees    *fee.Calculator
	gate    *Gate
	bus     *bus.Bus
	cfg     ControllerConfig
	logger  *log.Logger
	clock   func() time.Time

	plateCam  camera.Camera // nil when not configured
	driverCam camera.Camera

	inFlight atomic.Bool
}

func NewController(
	st store.TransactionStore,
	members *membercache.Cache,
	fees *fee.Calculator,
	gate *Gate,
	b *bus.Bus,
	plateCam, driverCam camera.Camera,
	cfg ControllerConfig,
	logger *log.Logger,
) *Controller {
	if cfg.CameraTimeout <= 0 {
		cfg.CameraTimeout = defaultCameraTimeout
	}
	return &Controller{
		store:     st,
		members:   members,
		fees:      fees,
		gate:      gate,
		bus:       b,
		cfg:       cfg,
		logger:    logger,
		clock:     time.Now,
		plateCam:  plateCam,
		driverCam: driverCam,
	}
}

// SetClock overrides the time source. Test helper.
func (c *Controller) SetClock(clock func() time.Time) { c.clock = clock }

// Run consumes the scanner stream until it closes or ctx is cancelled.
// Scans are processed to completion in arrival order.
func (c *Controller) Run(ctx context.Context, scans <-chan types.ScanEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-scans:
			if !ok {
				return
			}
			if !ev.Valid {
				c.publish(types.EventScanInvalid, map[string]any{"code": ev.Code})
				continue
			}
			if err := c.OnScan(ctx, ev.Code); err != nil {
				c.logger.Printf("controller: scan %s: %v", ev.Code, err)
			}
		}
	}
}

// OnScan is the hot path for one scanned code. The returned error names
// the outcome; every outcome is also published on the bus.
func (c *Controller) OnScan(ctx context.Context, code string) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.inFlight.Store(false)

	// A faulted gate needs an operator reset; scanning cannot help.
	if c.gate.Status().State == types.GateError {
		return fmt.Errorf("gate in error state: %w", ErrBusy)
	}

	started := c.clock()
	c.publish(types.EventScan, map[string]any{"code": code})

	// Evidence capture overlaps the store work and is joined after the
	// commit; a dead camera costs an image, never the exit.
	captures, launched := c.startCaptures(ctx)

	doc, method, resolveDur, err := c.resolve(ctx, code)
	if err != nil {
		c.drainCaptures(captures, launched)
		return c.onUnresolved(ctx, code, err)
	}
	c.publish(types.EventResolved, map[string]any{
		"transaction_id": doc.ID,
		"method":         method,
		"resolve_ms":     resolveDur.Milliseconds(),
	})

	if !doc.Active() {
		c.drainCaptures(captures, launched)
		c.publish(types.EventAlreadyExited, map[string]any{
			"transaction_id": doc.ID,
			"waktu_keluar":   doc.WaktuKeluar,
			"bayar_keluar":   doc.BayarKeluar,
		})
		return ErrAlreadyExited
	}

	now := c.clock()
	amount, hours := c.fees.Fee(doc.EntryTime(), now, doc.VehicleClass, doc.IsMember())

	delta := store.ExitUpdate{
		Status:        types.StatusExited,
		WaktuKeluar:   types.FormatStamp(now),
		BayarKeluar:   amount,
		IDPintuKeluar: c.cfg.GateID,
		IDOpKeluar:    c.cfg.OperatorID,
		IDShiftKeluar: c.cfg.ShiftID,
		ExitMethod:    method,
		ExitInput:     code,
	}

	commitStart := c.clock()
	updated, err := c.commit(ctx, doc, delta)
	commitDur := c.clock().Sub(commitStart)
	if err != nil {
		c.drainCaptures(captures, launched)
		if errors.Is(err, ErrAlreadyExited) {
			return err
		}
		c.publish(types.EventStoreWriteFailed, map[string]any{
			"transaction_id": doc.ID,
			"error":          err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	// The stores invalidate on UpdateExit too; doing it here as well
	// covers the commit landing before any later step fails.
	if updated.IsMember() && c.members != nil {
		c.members.Invalidate(updated.CardNumber)
	}

	c.publish(types.EventExitCommitted, map[string]any{
		"transaction_id": updated.ID,
		"fee":            amount,
		"duration_hours": hours,
		"method":         method,
	})

	captureStart := c.clock()
	c.attach(ctx, updated.ID, captures, launched)
	captureDur := c.clock().Sub(captureStart)

	openStart := c.clock()
	if err := c.gate.Open(ctx, c.cfg.AutoClose); err != nil {
		// The exit is recorded; "exit recorded, gate stuck" beats
		// "gate opened, no exit record". Flag it for reconciliation.
		c.publish(types.EventGateActuatorFailed, map[string]any{
			"transaction_id": updated.ID,
			"error":          err.Error(),
		})
		return err
	}
	openDur := c.clock().Sub(openStart)

	c.publish(types.EventExitCompleted, map[string]any{
		"transaction_id": updated.ID,
		"method":         method,
		"fee":            amount,
		"duration_hours": hours,
		"resolve_ms":     resolveDur.Milliseconds(),
		"commit_ms":      commitDur.Milliseconds(),
		"capture_ms":     captureDur.Milliseconds(),
		"open_ms":        openDur.Milliseconds(),
		"total_ms":       c.clock().Sub(started).Milliseconds(),
	})
	return nil
}

// resolve tries barcode, then member card, then plate, recording which
// path matched.
func (c *Controller) resolve(ctx context.Context, code string) (*types.Transaction, string, time.Duration, error) {
	started := c.clock()

	doc, err := c.store.FindByBarcode(ctx, code)
	if err == nil {
		method := types.MethodBarcode
		if doc.IsMember() {
			method = types.MethodMemberCard
		}
		return doc, method, c.clock().Sub(started), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, "", c.clock().Sub(started), err
	}

	if doc, err := c.store.FindMember(ctx, code); err == nil {
		return doc, types.MethodMemberCard, c.clock().Sub(started), nil
	}

	if doc, err := c.store.FindByPlate(ctx, code); err == nil {
		return doc, types.MethodPlate, c.clock().Sub(started), nil
	}

	// No active match. An exited document still resolves, so a re-scan
	// reports already-exited rather than not-found.
	if doc, err := c.store.FindAnyByBarcode(ctx, code); err == nil {
		method := types.MethodBarcode
		if doc.IsMember() {
			method = types.MethodMemberCard
		}
		return doc, method, c.clock().Sub(started), nil
	}

	return nil, "", c.clock().Sub(started), store.ErrNotFound
}

// onUnresolved handles the not-found and store-degraded outcomes,
// including the debug-mode override.
func (c *Controller) onUnresolved(ctx context.Context, code string, cause error) error {
	degraded := !errors.Is(cause, store.ErrNotFound)

	if c.cfg.DebugMode {
		c.publish(types.EventDebugOverride, map[string]any{
			"code":      code,
			"unaudited": true,
			"degraded":  degraded,
		})
		if err := c.gate.Open(ctx, c.cfg.AutoClose); err != nil {
			return err
		}
		return nil
	}

	c.publish(types.EventTransactionNotFound, map[string]any{
		"code":     code,
		"degraded": degraded,
	})
	if degraded {
		return cause
	}
	return store.ErrNotFound
}

// commit applies the exit delta with one automatic retry on a revision
// conflict. If the conflicting writer already closed the transaction,
// that is an already-exited outcome, not a failure.
func (c *Controller) commit(ctx context.Context, doc *types.Transaction, delta store.ExitUpdate) (*types.Transaction, error) {
	updated, err := c.store.UpdateExit(ctx, doc.ID, delta, doc.Rev)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, err
	}

	fresh, getErr := c.store.Get(ctx, doc.ID)
	if getErr != nil {
		return nil, getErr
	}
	if !fresh.Active() {
		c.publish(types.EventAlreadyExited, map[string]any{
			"transaction_id": fresh.ID,
			"waktu_keluar":   fresh.WaktuKeluar,
			"bayar_keluar":   fresh.BayarKeluar,
		})
		return nil, ErrAlreadyExited
	}
	return c.store.UpdateExit(ctx, fresh.ID, delta, fresh.Rev)
}

type captureResult struct {
	attachment string
	data       []byte
	err        error
}

// startCaptures fires one goroutine per configured camera. Each is
// bounded by the camera timeout regardless of how long the store work
// takes.
func (c *Controller) startCaptures(ctx context.Context) (<-chan captureResult, int) {
	cams := []struct {
		cam        camera.Camera
		attachment string
	}{
		{c.plateCam, AttachmentPlate},
		{c.driverCam, AttachmentDriver},
	}

	results := make(chan captureResult, len(cams))
	launched := 0
	for _, entry := range cams {
		if entry.cam == nil {
			continue
		}
		launched++
		go func(cam camera.Camera, attachment string) {
			capCtx, cancel := context.WithTimeout(ctx, c.cfg.CameraTimeout)
			defer cancel()
			data, err := cam.Capture(capCtx)
			results <- captureResult{attachment: attachment, data: data, err: err}
		}(entry.cam, entry.attachment)
	}
	return results, launched
}

// attach joins the pending captures and stores the successful ones.
// Capture and attachment failures are flagged on the bus but never
// fail the exit; the transaction simply keeps an empty image slot.
func (c *Controller) attach(ctx context.Context, id string, results <-chan captureResult, launched int) {
	deadline := time.After(c.cfg.CameraTimeout + time.Second)
	for i := 0; i < launched; i++ {
		var res captureResult
		select {
		case res = <-results:
		case <-deadline:
			c.publish(types.EventCameraFailed, map[string]any{
				"transaction_id": id,
				"error":          "capture join timed out",
			})
			return
		}
		if res.err != nil {
			c.publish(types.EventCameraFailed, map[string]any{
				"transaction_id": id,
				"attachment":     res.attachment,
				"error":          res.err.Error(),
			})
			continue
		}
		if err := c.store.PutAttachment(ctx, id, res.attachment, res.data, "image/jpeg"); err != nil {
			c.publish(types.EventAttachmentFailed, map[string]any{
				"transaction_id": id,
				"attachment":     res.attachment,
				"error":          err.Error(),
			})
		}
	}
}

// drainCaptures abandons in-flight captures on early returns. The
// goroutines are timeout-bounded and the channel buffered, so they
// finish on their own.
func (c *Controller) drainCaptures(results <-chan captureResult, launched int) {
	go func() {
		for i := 0; i < launched; i++ {
			<-results
		}
	}()
}

// ManualOpen bypasses lookup for an operator-commanded open. Logged as
// an operator action; still refuses while a scan is in flight.
func (c *Controller) ManualOpen(ctx context.Context, operatorID, reason string) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.inFlight.Store(false)

	c.publish(types.EventOperatorAction, map[string]any{
		"action":   "manual_open",
		"operator": operatorID,
		"reason":   reason,
	})
	return c.gate.Open(ctx, c.cfg.AutoClose)
}

// ManualClose closes the gate on operator command.
func (c *Controller) ManualClose(ctx context.Context, operatorID string) error {
	c.publish(types.EventOperatorAction, map[string]any{
		"action":   "manual_close",
		"operator": operatorID,
	})
	return c.gate.Close(ctx)
}

// CycleReport is the result of a maintenance test cycle.
type CycleReport struct {
	OpenOK  bool
	CloseOK bool
	Err     string
}

// TestCycle opens the gate, holds it for wait, and closes it again.
func (c *Controller) TestCycle(ctx context.Context, wait time.Duration) CycleReport {
	if !c.inFlight.CompareAndSwap(false, true) {
		return CycleReport{Err: ErrBusy.Error()}
	}
	defer c.inFlight.Store(false)

	c.publish(types.EventOperatorAction, map[string]any{"action": "test_cycle"})

	var report CycleReport
	if err := c.gate.Open(ctx, 0); err != nil {
		report.Err = err.Error()
		return report
	}
	report.OpenOK = true

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		report.Err = ctx.Err().Error()
		return report
	}

	if err := c.gate.Close(ctx); err != nil {
		report.Err = err.Error()
		return report
	}
	report.CloseOK = true
	return report
}

// PublishStats pushes the day's exit aggregates to the bus for the UI
// shell.
func (c *Controller) PublishStats(ctx context.Context) {
	stats, err := c.store.TodayExits(ctx)
	if err != nil {
		c.logger.Printf("controller: today exits: %v", err)
		return
	}
	sync := c.store.SyncStatus(ctx)
	c.publish(types.EventStats, map[string]any{
		"today_count": stats.Count,
		"today_total": stats.Total,
		"connected":   sync.Connected,
		"note":        sync.Note,
	})
}

func (c *Controller) publish(kind types.EventKind, fields map[string]any) {
	if c.bus != nil {
		c.bus.Publish(types.NewEvent(kind, c.clock(), fields))
	}
}
