// Package memory is the drop-in fallback transaction store used when
// the document database is unreachable at startup. It carries the same
// surface as the CouchDB store so the controller never special-cases
// degraded mode; it simply starts empty.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/garasindo/exitgate/internal/exitgate/store"
	"github.com/garasindo/exitgate/internal/exitgate/store/membercache"
	"github.com/garasindo/exitgate/internal/exitgate/types"
)

type Store struct {
	mu      sync.RWMutex
	docs    map[string]*types.Transaction
	revSeq  uint64
	members *membercache.Cache
	clock   func() time.Time
	started time.Time
}

// New builds an empty fallback store. members may be nil.
func New(members *membercache.Cache) *Store {
	s := &Store{
		docs:    make(map[string]*types.Transaction),
		members: members,
		clock:   time.Now,
	}
	s.started = s.clock()
	return s
}

// SetClock overrides the time source. Test helper.
func (s *Store) SetClock(clock func() time.Time) { s.clock = clock }

// Put inserts or replaces a document, assigning a fresh revision.
// Used by tests and by entry-side tooling when running degraded.
func (s *Store) Put(_ context.Context, doc *types.Transaction) (*types.Transaction, error) {
	if doc == nil || doc.ID == "" {
		return nil, fmt.Errorf("put: document id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := doc.Clone()
	s.revSeq++
	c.Rev = fmt.Sprintf("%d-%016x", s.revSeq, s.revSeq*2654435761)
	s.docs[c.ID] = c
	return c.Clone(), nil
}

func (s *Store) Get(_ context.Context, id string) (*types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *Store) FindByBarcode(ctx context.Context, code string) (*types.Transaction, error) {
	doc, err := s.findBarcode(ctx, code, true)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) FindAnyByBarcode(ctx context.Context, code string) (*types.Transaction, error) {
	return s.findBarcode(ctx, code, false)
}

func (s *Store) findBarcode(ctx context.Context, code string, activeOnly bool) (*types.Transaction, error) {
	// Direct id forms first, same order as the primary store.
	ids := []string{}
	if types.HasKnownPrefix(code) {
		ids = append(ids, code)
	}
	ids = append(ids,
		types.TransactionDocID(code),
		types.PrefixParking+code,
		types.MemberDocID(code),
	)
	for _, id := range ids {
		doc, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if !activeOnly || doc.Active() {
			return doc, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []*types.Transaction
	for _, doc := range s.docs {
		if doc.NoBarcode == code || doc.CardNumber == code {
			if activeOnly && !doc.Active() {
				continue
			}
			candidates = append(candidates, doc)
		}
	}
	if pick := store.PickBarcodeCandidate(code, candidates); pick != nil {
		return pick.Clone(), nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindByPlate(_ context.Context, plate string) (*types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []*types.Transaction
	for _, doc := range s.docs {
		if !doc.Active() {
			continue
		}
		if doc.NoPol == plate || doc.PlatNomor == plate {
			candidates = append(candidates, doc)
		}
	}
	if pick := store.PickBarcodeCandidate(plate, candidates); pick != nil {
		return pick.Clone(), nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindMember(ctx context.Context, card string) (*types.Transaction, error) {
	if s.members != nil {
		if doc, ok := s.members.Get(card); ok && doc.Active() {
			return doc, nil
		}
	}
	if doc, err := s.Get(ctx, types.MemberDocID(card)); err == nil && doc.IsMember() && doc.Active() {
		s.cacheMember(doc)
		return doc, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.docs {
		if doc.IsMember() && doc.Active() && doc.CardNumber == card {
			c := doc.Clone()
			s.cacheMember(c)
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) cacheMember(doc *types.Transaction) {
	if s.members != nil && doc.CardNumber != "" {
		s.members.Put(doc.CardNumber, doc)
	}
}

func (s *Store) UpdateExit(_ context.Context, id string, delta store.ExitUpdate, rev string) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if doc.Rev != rev {
		return nil, store.ErrConflict
	}
	c := doc.Clone()
	c.Status = types.StatusExited
	c.WaktuKeluar = delta.WaktuKeluar
	c.BayarKeluar = delta.BayarKeluar
	c.IDPintuKeluar = delta.IDPintuKeluar
	c.IDOpKeluar = delta.IDOpKeluar
	c.IDShiftKeluar = delta.IDShiftKeluar
	c.ExitMethod = delta.ExitMethod
	c.ExitInput = delta.ExitInput
	s.revSeq++
	c.Rev = fmt.Sprintf("%d-%016x", s.revSeq, s.revSeq*2654435761)
	s.docs[id] = c

	// The cached copy still says status=0; drop it so the next lookup
	// sees the exit.
	if s.members != nil && c.IsMember() {
		s.members.Invalidate(c.CardNumber)
	}
	return c.Clone(), nil
}

func (s *Store) PutAttachment(_ context.Context, id, name string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return store.ErrNotFound
	}
	if _, exists := doc.Attachments[name]; exists {
		return store.ErrAttachmentExists
	}
	if doc.Attachments == nil {
		doc.Attachments = make(map[string]types.Attachment)
	}
	body := make([]byte, len(data))
	copy(body, data)
	doc.Attachments[name] = types.Attachment{ContentType: contentType, Data: body}
	s.revSeq++
	doc.Rev = fmt.Sprintf("%d-%016x", s.revSeq, s.revSeq*2654435761)
	return nil
}

func (s *Store) ActiveTransactions(_ context.Context, limit int) ([]*types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Transaction
	for _, doc := range s.docs {
		if doc.Active() {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EntryTime().After(out[j].EntryTime())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TodayExits(_ context.Context) (store.ExitStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock()
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	var stats store.ExitStats
	for _, doc := range s.docs {
		if doc.Status != types.StatusExited {
			continue
		}
		out := doc.ExitTime()
		if out.IsZero() || out.Before(dayStart) || !out.Before(dayEnd) {
			continue
		}
		stats.Count++
		stats.Total += doc.BayarKeluar
	}
	return stats, nil
}

func (s *Store) SyncStatus(context.Context) store.SyncStatus {
	return store.SyncStatus{
		Connected: true,
		Active:    false,
		LastSync:  s.started,
		Note:      "fallback store",
	}
}

var _ store.TransactionStore = (*Store)(nil)
