package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/garasindo/exitgate/internal/bus"
	"github.com/garasindo/exitgate/internal/exitgate/fee"
	"github.com/garasindo/exitgate/internal/exitgate/store"
	"github.com/garasindo/exitgate/internal/exitgate/store/membercache"
	"github.com/garasindo/exitgate/internal/exitgate/store/memory"
	"github.com/garasindo/exitgate/internal/exitgate/types"
)

type stubCam struct {
	name string
	data []byte
	err  error
}

func (s stubCam) Capture(context.Context) ([]byte, error) { return s.data, s.err }
func (s stubCam) Name() string                            { return s.name }

// lane bundles a controller with everything a scenario needs to poke at.
type lane struct {
	ctl    *Controller
	store  store.TransactionStore
	mem    *memory.Store
	cache  *membercache.Cache
	gate   *Gate
	drv    *fakeDriver
	events <-chan types.Event
}

type laneOpt func(*ControllerConfig)

func newLane(t *testing.T, st store.TransactionStore, opts ...laneOpt) *lane {
	t.Helper()
	logger := quietLogger()
	b := bus.New(logger)
	drv := &fakeDriver{}
	gate := NewGate(drv, b, GateConfig{}, logger)

	mem, _ := st.(*memory.Store)
	if st == nil {
		mem = memory.New(nil)
		st = mem
	}

	cfg := ControllerConfig{
		GateID:        "exit-1",
		OperatorID:    "op-7",
		ShiftID:       "shift-1",
		CameraTimeout: time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}

	cache := membercache.New(8)
	ctl := NewController(
		st, cache, fee.New(nil), gate, b,
		stubCam{name: "plate", data: []byte{0xff, 0xd8, 0x01}},
		stubCam{name: "driver", data: []byte{0xff, 0xd8, 0x02}},
		cfg, logger)

	return &lane{
		ctl:    ctl,
		store:  st,
		mem:    mem,
		cache:  cache,
		gate:   gate,
		drv:    drv,
		events: b.Subscribe("test", 128),
	}
}

func withDebug() laneOpt {
	return func(c *ControllerConfig) { c.DebugMode = true }
}

func (l *lane) kinds() []types.EventKind {
	var out []types.EventKind
	for {
		select {
		case ev := <-l.events:
			out = append(out, ev.Kind)
		default:
			return out
		}
	}
}

func (l *lane) eventOfKind(t *testing.T, kind types.EventKind) types.Event {
	t.Helper()
	for {
		select {
		case ev := <-l.events:
			if ev.Kind == kind {
				return ev
			}
		default:
			t.Fatalf("no %s event on the bus", kind)
			return types.Event{}
		}
	}
}

func seedTicket(t *testing.T, mem *memory.Store, barcode string, enteredAgo time.Duration) *types.Transaction {
	t.Helper()
	doc, err := mem.Put(context.Background(), &types.Transaction{
		ID:         types.TransactionDocID(barcode),
		Type:       types.TypeParking,
		NoBarcode:  barcode,
		Status:     types.StatusInside,
		WaktuMasuk: types.FormatStamp(time.Now().Add(-enteredAgo)),
	})
	require.NoError(t, err)
	return doc
}

func seedMember(t *testing.T, mem *memory.Store, card string, enteredAgo time.Duration) *types.Transaction {
	t.Helper()
	doc, err := mem.Put(context.Background(), &types.Transaction{
		ID:         types.MemberDocID(card),
		Type:       types.TypeMember,
		CardNumber: card,
		Status:     types.StatusInside,
		WaktuMasuk: types.FormatStamp(time.Now().Add(-enteredAgo)),
	})
	require.NoError(t, err)
	return doc
}

func TestExitHappyPath(t *testing.T) {
	l := newLane(t, nil)
	ctx := context.Background()
	seedTicket(t, l.mem, "PK240101ABC", 90*time.Minute)

	require.NoError(t, l.ctl.OnScan(ctx, "PK240101ABC"))

	got, err := l.store.Get(ctx, "transaction_PK240101ABC")
	require.NoError(t, err)
	require.Equal(t, types.StatusExited, got.Status)
	require.Equal(t, 10000, got.BayarKeluar) // 2 billed hours at the class-1 rate
	require.Equal(t, types.MethodBarcode, got.ExitMethod)
	require.Equal(t, "exit-1", got.IDPintuKeluar)
	require.Equal(t, "op-7", got.IDOpKeluar)
	require.NotEmpty(t, got.WaktuKeluar)

	require.Contains(t, got.Attachments, AttachmentPlate)
	require.Contains(t, got.Attachments, AttachmentDriver)
	require.Equal(t, "image/jpeg", got.Attachments[AttachmentPlate].ContentType)

	require.Equal(t, types.GateOpen, l.gate.Status().State)

	kinds := l.kinds()
	require.Contains(t, kinds, types.EventScan)
	require.Contains(t, kinds, types.EventResolved)
	require.Contains(t, kinds, types.EventExitCommitted)
	require.Contains(t, kinds, types.EventExitCompleted)
	require.NotContains(t, kinds, types.EventCameraFailed)
}

func TestExitMemberFreeAndCacheInvalidated(t *testing.T) {
	l := newLane(t, nil)
	ctx := context.Background()
	doc := seedMember(t, l.mem, "C100200300", 5*time.Hour)
	l.cache.Put("C100200300", doc)

	require.NoError(t, l.ctl.OnScan(ctx, "C100200300"))

	got, err := l.store.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExited, got.Status)
	require.Equal(t, 0, got.BayarKeluar)
	require.Equal(t, types.MethodMemberCard, got.ExitMethod)

	// The cached active document must not survive the exit.
	_, cached := l.cache.Get("C100200300")
	require.False(t, cached)
}

func TestExitByPlate(t *testing.T) {
	l := newLane(t, nil)
	ctx := context.Background()
	doc := seedTicket(t, l.mem, "PK240101ABC", 30*time.Minute)
	doc.NoPol = "B1234XYZ"
	_, err := l.mem.Put(ctx, doc)
	require.NoError(t, err)

	require.NoError(t, l.ctl.OnScan(ctx, "B1234XYZ"))

	got, err := l.store.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExited, got.Status)
	require.Equal(t, types.MethodPlate, got.ExitMethod)
	require.Equal(t, "B1234XYZ", got.ExitInput)
}

func TestUnknownCodeKeepsGateClosed(t *testing.T) {
	l := newLane(t, nil)

	err := l.ctl.OnScan(context.Background(), "NOSUCH9")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.Equal(t, types.GateClosed, l.gate.Status().State)
	opens, _ := l.drv.counts()
	require.Equal(t, 0, opens)

	kinds := l.kinds()
	require.Contains(t, kinds, types.EventTransactionNotFound)
	require.NotContains(t, kinds, types.EventExitCommitted)
}

func TestDebugModeOpensWithoutRecord(t *testing.T) {
	l := newLane(t, nil, withDebug())

	require.NoError(t, l.ctl.OnScan(context.Background(), "NOSUCH9"))
	require.Equal(t, types.GateOpen, l.gate.Status().State)

	ev := l.eventOfKind(t, types.EventDebugOverride)
	require.Equal(t, true, ev.Fields["unaudited"])

	// Nothing was written: the store has no trace of the code.
	_, err := l.store.FindAnyByBarcode(context.Background(), "NOSUCH9")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRescanReportsAlreadyExited(t *testing.T) {
	l := newLane(t, nil)
	ctx := context.Background()
	seedTicket(t, l.mem, "PK240101ABC", 2*time.Hour)

	require.NoError(t, l.ctl.OnScan(ctx, "PK240101ABC"))
	require.NoError(t, l.gate.Close(ctx))
	l.kinds() // drop the first pass's events

	err := l.ctl.OnScan(ctx, "PK240101ABC")
	require.ErrorIs(t, err, ErrAlreadyExited)
	require.Equal(t, types.GateClosed, l.gate.Status().State)
	require.Contains(t, l.kinds(), types.EventAlreadyExited)
}

func TestDuplicateScanSingleFlight(t *testing.T) {
	l := newLane(t, nil)
	ctx := context.Background()
	seedTicket(t, l.mem, "PK240101ABC", time.Hour)

	l.drv.openEntered = make(chan struct{}, 1)
	l.drv.openRelease = make(chan struct{})

	// First scan commits and parks inside the actuator call.
	first := make(chan error, 1)
	go func() { first <- l.ctl.OnScan(ctx, "PK240101ABC") }()
	<-l.drv.openEntered

	// The duplicate arrives while the first is still in flight.
	require.ErrorIs(t, l.ctl.OnScan(ctx, "PK240101ABC"), ErrBusy)

	close(l.drv.openRelease)
	require.NoError(t, <-first)

	committed := 0
	for _, k := range l.kinds() {
		if k == types.EventExitCommitted {
			committed++
		}
	}
	require.Equal(t, 1, committed)

	got, err := l.store.Get(ctx, "transaction_PK240101ABC")
	require.NoError(t, err)
	require.Equal(t, types.StatusExited, got.Status)
}

// staleResolveStore hands the controller a stale revision, simulating a
// concurrent writer landing between lookup and commit.
type staleResolveStore struct {
	store.TransactionStore
	stale *types.Transaction
}

func (s *staleResolveStore) FindByBarcode(context.Context, string) (*types.Transaction, error) {
	return s.stale.Clone(), nil
}

func TestConflictRetriesWithFreshRevision(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(nil)
	stale := seedTicket(t, mem, "PK240101ABC", time.Hour)

	// A concurrent writer bumps the revision; the document stays open.
	_, err := mem.Put(ctx, stale)
	require.NoError(t, err)

	l := newLane(t, &staleResolveStore{TransactionStore: mem, stale: stale})

	require.NoError(t, l.ctl.OnScan(ctx, "PK240101ABC"))

	got, err := mem.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExited, got.Status)
	require.Equal(t, types.GateOpen, l.gate.Status().State)
}

func TestConflictLoserSeesAlreadyExited(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(nil)
	stale := seedTicket(t, mem, "PK240101ABC", time.Hour)

	// The other lane wins: the document is already closed.
	_, err := mem.UpdateExit(ctx, stale.ID, store.ExitUpdate{
		Status:      types.StatusExited,
		WaktuKeluar: types.FormatStamp(time.Now()),
	}, stale.Rev)
	require.NoError(t, err)

	l := newLane(t, &staleResolveStore{TransactionStore: mem, stale: stale})

	err = l.ctl.OnScan(ctx, "PK240101ABC")
	require.ErrorIs(t, err, ErrAlreadyExited)
	require.Equal(t, types.GateClosed, l.gate.Status().State)
	require.Contains(t, l.kinds(), types.EventAlreadyExited)
}

func TestActuatorFaultKeepsExitRecord(t *testing.T) {
	l := newLane(t, nil)
	ctx := context.Background()
	seedTicket(t, l.mem, "PK240101ABC", time.Hour)
	seedTicket(t, l.mem, "PK240101DEF", time.Hour)

	l.drv.setOpenErr(errors.New("relay stuck"))

	err := l.ctl.OnScan(ctx, "PK240101ABC")
	require.ErrorIs(t, err, ErrGateFault)

	// The exit is recorded even though the arm never moved.
	got, err := l.store.Get(ctx, "transaction_PK240101ABC")
	require.NoError(t, err)
	require.Equal(t, types.StatusExited, got.Status)

	kinds := l.kinds()
	require.Contains(t, kinds, types.EventExitCommitted)
	require.Contains(t, kinds, types.EventGateActuatorFailed)
	require.NotContains(t, kinds, types.EventExitCompleted)

	// The lane is out of service until an operator resets the fault.
	require.ErrorIs(t, l.ctl.OnScan(ctx, "PK240101DEF"), ErrBusy)

	l.drv.setOpenErr(nil)
	require.NoError(t, l.gate.ResetError())
	require.NoError(t, l.ctl.OnScan(ctx, "PK240101DEF"))
}

func TestMemberCacheInvalidatedOnGateFault(t *testing.T) {
	l := newLane(t, nil)
	ctx := context.Background()
	doc := seedMember(t, l.mem, "C100200300", time.Hour)
	l.cache.Put("C100200300", doc)

	l.drv.setOpenErr(errors.New("relay stuck"))

	require.ErrorIs(t, l.ctl.OnScan(ctx, "C100200300"), ErrGateFault)

	// The exit landed, so the cached active copy must be gone even
	// though the gate never moved.
	got, err := l.store.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExited, got.Status)

	_, cached := l.cache.Get("C100200300")
	require.False(t, cached)
}

func TestDeadCameraDoesNotBlockExit(t *testing.T) {
	l := newLane(t, nil)
	l.ctl.plateCam = stubCam{name: "plate", err: errors.New("connection refused")}
	ctx := context.Background()
	seedTicket(t, l.mem, "PK240101ABC", time.Hour)

	require.NoError(t, l.ctl.OnScan(ctx, "PK240101ABC"))

	got, err := l.store.Get(ctx, "transaction_PK240101ABC")
	require.NoError(t, err)
	require.Equal(t, types.StatusExited, got.Status)
	require.NotContains(t, got.Attachments, AttachmentPlate)
	require.Contains(t, got.Attachments, AttachmentDriver)

	kinds := l.kinds()
	require.Contains(t, kinds, types.EventCameraFailed)
	require.Contains(t, kinds, types.EventExitCompleted)
}

func TestRunSkipsInvalidScans(t *testing.T) {
	l := newLane(t, nil)
	scans := make(chan types.ScanEvent)
	done := make(chan struct{})
	go func() {
		l.ctl.Run(context.Background(), scans)
		close(done)
	}()

	scans <- types.ScanEvent{Code: "AB-12", At: time.Now(), Valid: false}
	close(scans)
	<-done

	kinds := l.kinds()
	require.Contains(t, kinds, types.EventScanInvalid)
	require.NotContains(t, kinds, types.EventScan)
}

func TestManualOpenClose(t *testing.T) {
	l := newLane(t, nil)
	ctx := context.Background()

	require.NoError(t, l.ctl.ManualOpen(ctx, "op-7", "stuck ticket"))
	require.Equal(t, types.GateOpen, l.gate.Status().State)

	ev := l.eventOfKind(t, types.EventOperatorAction)
	require.Equal(t, "manual_open", ev.Fields["action"])
	require.Equal(t, "stuck ticket", ev.Fields["reason"])

	require.NoError(t, l.ctl.ManualClose(ctx, "op-7"))
	require.Equal(t, types.GateClosed, l.gate.Status().State)
}

func TestTestCycle(t *testing.T) {
	l := newLane(t, nil)

	report := l.ctl.TestCycle(context.Background(), 10*time.Millisecond)
	require.True(t, report.OpenOK)
	require.True(t, report.CloseOK)
	require.Empty(t, report.Err)
	require.Equal(t, types.GateClosed, l.gate.Status().State)
}

func TestPublishStats(t *testing.T) {
	l := newLane(t, nil)
	ctx := context.Background()
	seedTicket(t, l.mem, "PK240101ABC", time.Hour)
	require.NoError(t, l.ctl.OnScan(ctx, "PK240101ABC"))
	l.kinds()

	l.ctl.PublishStats(ctx)
	ev := l.eventOfKind(t, types.EventStats)
	require.Equal(t, 1, ev.Fields["today_count"])
	require.Equal(t, 5000, ev.Fields["today_total"])
	require.Equal(t, true, ev.Fields["connected"])
}
