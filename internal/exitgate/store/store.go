// Package store defines the transaction store surface shared by the
// CouchDB-backed primary and the in-memory fallback.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/garasindo/exitgate/internal/exitgate/types"
)

var (
	// ErrNotFound is returned when no document matches a lookup.
	ErrNotFound = errors.New("transaction not found")

	// ErrConflict is returned when an update presents a stale revision.
	ErrConflict = errors.New("revision conflict")

	// ErrUnavailable is returned when the primary store cannot be reached.
	ErrUnavailable = errors.New("store unreachable")

	// ErrAttachmentExists guards entry-time attachments: exit images may
	// never overwrite an existing name.
	ErrAttachmentExists = errors.New("attachment name already present")
)

// ExitUpdate is the field delta applied by UpdateExit. Status is always
// forced to exited; it is carried explicitly so the delta is
// self-describing in logs.
type ExitUpdate struct {
	Status        int
	WaktuKeluar   string
	BayarKeluar   int
	IDPintuKeluar string
	IDOpKeluar    string
	IDShiftKeluar string
	ExitMethod    string
	ExitInput     string
}

// ExitStats aggregates today's completed exits.
type ExitStats struct {
	Count int `json:"count"`
	Total int `json:"total"`
}

// SyncStatus describes the store's replication/connection health. The
// background sync worker is outside this process; this is the only
// window the core has into it.
type SyncStatus struct {
	Connected bool      `json:"connected"`
	LastSync  time.Time `json:"last_sync,omitempty"`
	Active    bool      `json:"active"`
	LastError string    `json:"last_error,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// TransactionStore is the document store surface the exit controller
// depends on. Implementations must be safe for concurrent use; every
// operation is its own transaction.
type TransactionStore interface {
	// Get fetches a document by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*types.Transaction, error)

	// FindByBarcode resolves a scan to an active (status=0) transaction
	// using the prefix/view/scan chain, or ErrNotFound.
	FindByBarcode(ctx context.Context, code string) (*types.Transaction, error)

	// FindAnyByBarcode is FindByBarcode without the active filter.
	FindAnyByBarcode(ctx context.Context, code string) (*types.Transaction, error)

	// FindByPlate resolves an active transaction by plate number.
	FindByPlate(ctx context.Context, plate string) (*types.Transaction, error)

	// FindMember resolves an active member entry by card number,
	// cache-first. Implementations log per-step lookup timing.
	FindMember(ctx context.Context, card string) (*types.Transaction, error)

	// UpdateExit commits the exit delta against the expected revision and
	// returns the updated document. ErrConflict on revision mismatch.
	UpdateExit(ctx context.Context, id string, delta ExitUpdate, rev string) (*types.Transaction, error)

	// PutAttachment adds a named attachment. Existing names are never
	// overwritten (ErrAttachmentExists).
	PutAttachment(ctx context.Context, id, name string, data []byte, contentType string) error

	// ActiveTransactions lists open transactions, newest entry first.
	ActiveTransactions(ctx context.Context, limit int) ([]*types.Transaction, error)

	// TodayExits aggregates count and fee total for today's exits.
	TodayExits(ctx context.Context) (ExitStats, error)

	// SyncStatus reports connection/replication health.
	SyncStatus(ctx context.Context) SyncStatus
}

// PickBarcodeCandidate applies the lookup tie-break shared by all
// implementations: prefer active docs, then the canonical
// transaction_{code} id, then the most recent entry time.
func PickBarcodeCandidate(code string, docs []*types.Transaction) *types.Transaction {
	if len(docs) == 0 {
		return nil
	}
	ranked := make([]*types.Transaction, len(docs))
	copy(ranked, docs)
	canonical := types.TransactionDocID(code)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Active() != b.Active() {
			return a.Active()
		}
		ac, bc := a.ID == canonical, b.ID == canonical
		if ac != bc {
			return ac
		}
		return a.EntryTime().After(b.EntryTime())
	})
	return ranked[0]
}
