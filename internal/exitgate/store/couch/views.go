package couch

import (
	"context"
	"fmt"
	"net/http"
	"reflect"

	kivik "github.com/go-kivik/kivik/v4"
)

// Design documents holding the lookup views. View init is idempotent:
// an existing design doc is rewritten only when its definition differs
// from the one below, so repeated startups leave the database untouched.
const (
	ddocTransactions = "_design/transactions"
	ddocMembers      = "_design/members"
)

type viewDef struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

type designDoc struct {
	ID       string             `json:"_id"`
	Rev      string             `json:"_rev,omitempty"`
	Language string             `json:"language"`
	Views    map[string]viewDef `json:"views"`
}

// DesignDocs returns the desired design documents. Exposed so tests can
// verify that generation is deterministic.
func DesignDocs() []designDoc {
	return []designDoc{
		{
			ID:       ddocTransactions,
			Language: "javascript",
			Views: map[string]viewDef{
				"by_barcode": {
					Map: `function(doc) { if (doc.type === 'parking_transaction' && doc.no_barcode) { emit(doc.no_barcode, null); } }`,
				},
				"by_plate": {
					Map: `function(doc) { if (doc.type === 'parking_transaction' || doc.type === 'member_entry') { if (doc.no_pol) { emit(doc.no_pol, null); } if (doc.plat_nomor && doc.plat_nomor !== doc.no_pol) { emit(doc.plat_nomor, null); } } }`,
				},
				"active_transactions": {
					Map: `function(doc) { if ((doc.type === 'parking_transaction' || doc.type === 'member_entry') && doc.status === 0) { emit(doc.waktu_masuk, null); } }`,
				},
				"today_exits": {
					Map:    `function(doc) { if ((doc.type === 'parking_transaction' || doc.type === 'member_entry') && doc.status === 1 && doc.waktu_keluar) { emit(doc.waktu_keluar.substr(0, 10), doc.bayar_keluar || 0); } }`,
					Reduce: "_stats",
				},
			},
		},
		{
			ID:       ddocMembers,
			Language: "javascript",
			Views: map[string]viewDef{
				"active_members": {
					Map: `function(doc) { if (doc.type === 'member_entry' && doc.status === 0 && doc.card_number) { emit(doc.card_number, null); } }`,
				},
				"by_card_and_status": {
					Map: `function(doc) { if (doc.type === 'member_entry' && doc.card_number) { emit([doc.card_number, doc.status], null); } }`,
				},
			},
		},
	}
}

// EnsureViews creates or repairs the design documents.
func (s *Store) EnsureViews(ctx context.Context) error {
	for _, want := range DesignDocs() {
		var have designDoc
		err := s.db.Get(ctx, want.ID).ScanDoc(&have)
		switch {
		case err == nil:
			if have.Language == want.Language && reflect.DeepEqual(have.Views, want.Views) {
				continue
			}
			want.Rev = have.Rev
		case kivik.HTTPStatus(err) == http.StatusNotFound:
			// First boot against this database.
		default:
			return fmt.Errorf("read %s: %w", want.ID, err)
		}
		if _, err := s.db.Put(ctx, want.ID, want); err != nil {
			return fmt.Errorf("write %s: %w", want.ID, err)
		}
		s.logger.Printf("design doc %s written", want.ID)
	}
	return nil
}
