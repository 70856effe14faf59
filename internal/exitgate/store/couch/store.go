// Package couch implements the transaction store against a
// CouchDB-compatible document database. A replication (sync) worker
// outside this process keeps the local database and the central one
// converged; this package only ever talks to the local replica.
package couch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/garasindo/exitgate/internal/exitgate/store"
	"github.com/garasindo/exitgate/internal/exitgate/store/membercache"
	"github.com/garasindo/exitgate/internal/exitgate/types"
)

const opTimeout = 5 * time.Second

// Config carries the connection settings for the local replica.
type Config struct {
	URL      string // e.g. "http://localhost:5984/"
	Username string
	Password string
	Database string // e.g. "transactions"

	// FullScanLimit bounds the last-resort all-docs scan: it only runs
	// when the database holds fewer documents than this. 0 keeps the
	// historical bound of 1000.
	FullScanLimit int
}

// Store is the CouchDB-backed transaction store.
type Store struct {
	client  *kivik.Client
	db      *kivik.DB
	members *membercache.Cache
	logger  *log.Logger

	fullScanLimit int

	mu       sync.Mutex
	lastSync time.Time
	lastErr  string
}

// New connects to the database, creating it when absent. members may be
// nil to disable the cache-first member path.
func New(ctx context.Context, cfg Config, members *membercache.Cache, logger *log.Logger) (*Store, error) {
	dsn, err := connectionURL(cfg.URL, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}
	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("couch connect: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	exists, err := client.DBExists(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if !exists {
		if err := client.CreateDB(ctx, cfg.Database); err != nil {
			return nil, fmt.Errorf("create db %s: %w", cfg.Database, err)
		}
	}

	limit := cfg.FullScanLimit
	if limit <= 0 {
		limit = 1000
	}

	s := &Store{
		client:        client,
		db:            client.DB(cfg.Database),
		members:       members,
		logger:        logger,
		fullScanLimit: limit,
		lastSync:      time.Now(),
	}
	return s, nil
}

// connectionURL injects the configured credentials into the server URL,
// keeping the original scheme intact.
func connectionURL(rawURL, username, password string) (string, error) {
	if username == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("couch url %q: %w", rawURL, err)
	}
	u.User = url.UserPassword(username, password)
	return u.String(), nil
}

func (s *Store) Get(ctx context.Context, id string) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var doc types.Transaction
	if err := s.db.Get(ctx, id).ScanDoc(&doc); err != nil {
		return nil, s.mapErr(err)
	}
	return &doc, nil
}

func (s *Store) FindByBarcode(ctx context.Context, code string) (*types.Transaction, error) {
	return s.findBarcode(ctx, code, true)
}

func (s *Store) FindAnyByBarcode(ctx context.Context, code string) (*types.Transaction, error) {
	return s.findBarcode(ctx, code, false)
}

// findBarcode walks the resolution chain in cheapest-first order:
// direct ids, the secondary index, the active view, and finally a
// bounded all-docs scan.
func (s *Store) findBarcode(ctx context.Context, code string, activeOnly bool) (*types.Transaction, error) {
	started := time.Now()

	ids := make([]string, 0, 4)
	if types.HasKnownPrefix(code) {
		ids = append(ids, code)
	}
	ids = append(ids, types.TransactionDocID(code), types.PrefixParking+code, types.MemberDocID(code))
	for _, id := range ids {
		doc, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if activeOnly && !doc.Active() {
			continue
		}
		s.logger.Printf("barcode %s resolved via id %s in %s", code, id, time.Since(started))
		return doc, nil
	}

	if doc, err := s.queryDocs(ctx, ddocTransactions, "by_barcode", code, activeOnly); err == nil {
		s.logger.Printf("barcode %s resolved via by_barcode view in %s", code, time.Since(started))
		return doc, nil
	}

	if doc, err := s.scanActive(ctx, code); err == nil {
		s.logger.Printf("barcode %s resolved via active view in %s", code, time.Since(started))
		return doc, nil
	}

	if doc, err := s.fullScan(ctx, code, activeOnly); err == nil {
		s.logger.Printf("barcode %s resolved via full scan in %s", code, time.Since(started))
		return doc, nil
	}

	return nil, store.ErrNotFound
}

// queryDocs runs a single-key view query and applies the tie-break.
func (s *Store) queryDocs(ctx context.Context, ddoc, view, key string, activeOnly bool) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	rows := s.db.Query(ctx, ddoc, view, kivik.Params(map[string]interface{}{
		"key":          key,
		"include_docs": true,
	}))
	defer rows.Close()

	var candidates []*types.Transaction
	for rows.Next() {
		var doc types.Transaction
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		if activeOnly && !doc.Active() {
			continue
		}
		candidates = append(candidates, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapErr(err)
	}
	if pick := store.PickBarcodeCandidate(key, candidates); pick != nil {
		return pick, nil
	}
	return nil, store.ErrNotFound
}

// scanActive walks the active_transactions view matching either index
// field. The active set is small (vehicles currently inside).
func (s *Store) scanActive(ctx context.Context, code string) (*types.Transaction, error) {
	docs, err := s.ActiveTransactions(ctx, 0)
	if err != nil {
		return nil, err
	}
	var candidates []*types.Transaction
	for _, doc := range docs {
		if doc.NoBarcode == code || doc.CardNumber == code {
			candidates = append(candidates, doc)
		}
	}
	if pick := store.PickBarcodeCandidate(code, candidates); pick != nil {
		return pick, nil
	}
	return nil, store.ErrNotFound
}

// fullScan is the last-resort path. It refuses to run on databases at
// or above the configured document bound.
func (s *Store) fullScan(ctx context.Context, code string, activeOnly bool) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	stats, err := s.db.Stats(ctx)
	if err != nil {
		return nil, s.mapErr(err)
	}
	if stats.DocCount >= int64(s.fullScanLimit) {
		return nil, store.ErrNotFound
	}

	rows := s.db.AllDocs(ctx, kivik.Param("include_docs", true))
	defer rows.Close()

	var candidates []*types.Transaction
	for rows.Next() {
		var doc types.Transaction
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		if doc.Type != types.TypeParking && doc.Type != types.TypeMember {
			continue
		}
		if doc.NoBarcode != code && doc.CardNumber != code {
			continue
		}
		if activeOnly && !doc.Active() {
			continue
		}
		candidates = append(candidates, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapErr(err)
	}
	if pick := store.PickBarcodeCandidate(code, candidates); pick != nil {
		return pick, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindByPlate(ctx context.Context, plate string) (*types.Transaction, error) {
	return s.queryDocs(ctx, ddocTransactions, "by_plate", plate, true)
}

// FindMember resolves an active member entry, cache-first, then direct
// id, then the composite view, then the active-members scan. Each step
// is timed in the log so slow sites can be diagnosed from the field.
func (s *Store) FindMember(ctx context.Context, card string) (*types.Transaction, error) {
	started := time.Now()

	if s.members != nil {
		if doc, ok := s.members.Get(card); ok && doc.Active() {
			s.logger.Printf("member %s resolved via cache in %s", card, time.Since(started))
			return doc, nil
		}
	}

	if doc, err := s.Get(ctx, types.MemberDocID(card)); err == nil && doc.IsMember() && doc.Active() {
		s.cacheMember(doc)
		s.logger.Printf("member %s resolved via id in %s", card, time.Since(started))
		return doc, nil
	}

	if doc, err := s.memberByCardAndStatus(ctx, card); err == nil {
		s.cacheMember(doc)
		s.logger.Printf("member %s resolved via composite view in %s", card, time.Since(started))
		return doc, nil
	}

	if doc, err := s.queryDocs(ctx, ddocMembers, "active_members", card, true); err == nil {
		s.cacheMember(doc)
		s.logger.Printf("member %s resolved via active_members in %s", card, time.Since(started))
		return doc, nil
	}

	return nil, store.ErrNotFound
}

func (s *Store) memberByCardAndStatus(ctx context.Context, card string) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	rows := s.db.Query(ctx, ddocMembers, "by_card_and_status", kivik.Params(map[string]interface{}{
		"key":          []interface{}{card, types.StatusInside},
		"include_docs": true,
	}))
	defer rows.Close()
	for rows.Next() {
		var doc types.Transaction
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		return &doc, nil
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapErr(err)
	}
	return nil, store.ErrNotFound
}

func (s *Store) cacheMember(doc *types.Transaction) {
	if s.members != nil && doc.CardNumber != "" {
		s.members.Put(doc.CardNumber, doc)
	}
}

// PreloadMembers warms the cache with every active member. Best-effort:
// a failure leaves the cache cold, which only costs latency.
func (s *Store) PreloadMembers(ctx context.Context) (int, error) {
	if s.members == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	rows := s.db.Query(ctx, ddocMembers, "active_members", kivik.Param("include_docs", true))
	defer rows.Close()

	n := 0
	for rows.Next() {
		var doc types.Transaction
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		s.members.Put(doc.CardNumber, &doc)
		n++
	}
	if err := rows.Err(); err != nil {
		return n, s.mapErr(err)
	}
	return n, nil
}

func (s *Store) UpdateExit(ctx context.Context, id string, delta store.ExitUpdate, rev string) (*types.Transaction, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := current.Clone()
	updated.Rev = rev // caller's expected revision, not whatever we just read
	updated.Status = types.StatusExited
	updated.WaktuKeluar = delta.WaktuKeluar
	updated.BayarKeluar = delta.BayarKeluar
	updated.IDPintuKeluar = delta.IDPintuKeluar
	updated.IDOpKeluar = delta.IDOpKeluar
	updated.IDShiftKeluar = delta.IDShiftKeluar
	updated.ExitMethod = delta.ExitMethod
	updated.ExitInput = delta.ExitInput

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	newRev, err := s.db.Put(ctx, id, updated)
	if err != nil {
		return nil, s.mapErr(err)
	}
	updated.Rev = newRev

	// The cached copy still says status=0; drop it so the next lookup
	// sees the exit.
	if s.members != nil && updated.IsMember() {
		s.members.Invalidate(updated.CardNumber)
	}
	return updated, nil
}

func (s *Store) PutAttachment(ctx context.Context, id, name string, data []byte, contentType string) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, exists := doc.Attachments[name]; exists {
		return store.ErrAttachmentExists
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	att := &kivik.Attachment{
		Filename:    name,
		ContentType: contentType,
		Content:     io.NopCloser(bytes.NewReader(data)),
	}
	if _, err := s.db.PutAttachment(ctx, id, att, kivik.Rev(doc.Rev)); err != nil {
		return s.mapErr(err)
	}
	return nil
}

func (s *Store) ActiveTransactions(ctx context.Context, limit int) ([]*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	params := map[string]interface{}{
		"include_docs": true,
		"descending":   true, // newest entry first
	}
	if limit > 0 {
		params["limit"] = limit
	}
	rows := s.db.Query(ctx, ddocTransactions, "active_transactions", kivik.Params(params))
	defer rows.Close()

	var out []*types.Transaction
	for rows.Next() {
		var doc types.Transaction
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		out = append(out, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapErr(err)
	}
	return out, nil
}

func (s *Store) TodayExits(ctx context.Context) (store.ExitStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	today := time.Now().Format("2006-01-02")
	rows := s.db.Query(ctx, ddocTransactions, "today_exits", kivik.Params(map[string]interface{}{
		"key":    today,
		"reduce": true,
		"group":  true,
	}))
	defer rows.Close()

	var stats store.ExitStats
	for rows.Next() {
		var v struct {
			Sum   float64 `json:"sum"`
			Count int     `json:"count"`
		}
		if err := rows.ScanValue(&v); err != nil {
			continue
		}
		stats.Count += v.Count
		stats.Total += int(v.Sum)
	}
	if err := rows.Err(); err != nil {
		return stats, s.mapErr(err)
	}
	return stats, nil
}

func (s *Store) SyncStatus(ctx context.Context) store.SyncStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.client.Ping(ctx); err != nil {
		s.lastErr = err.Error()
		return store.SyncStatus{Connected: false, Active: false, LastSync: s.lastSync, LastError: s.lastErr}
	}
	s.lastSync = time.Now()
	s.lastErr = ""
	return store.SyncStatus{Connected: true, Active: true, LastSync: s.lastSync}
}

func (s *Store) mapErr(err error) error {
	switch kivik.HTTPStatus(err) {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusConflict:
		return store.ErrConflict
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

var _ store.TransactionStore = (*Store)(nil)
