package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Document type tags. The store only ever holds these two variants.
const (
	TypeParking = "parking_transaction"
	TypeMember  = "member_entry"
)

// Transaction status values. The only legal mutation is inside -> exited.
const (
	StatusInside = 0
	StatusExited = 1
)

// Document id prefixes understood by the lookup chain.
const (
	PrefixTransaction = "transaction_"
	PrefixParking     = "parking_"
	PrefixMember      = "member_"
)

// Exit methods, recorded on the document so reports can tell how the
// vehicle was matched at the gate.
const (
	MethodBarcode    = "barcode"
	MethodMemberCard = "member_card"
	MethodPlate      = "plate"
)

// Attachment is an inline document attachment. Data marshals to base64,
// which is the CouchDB inline attachment encoding. Stub must survive
// round-trips: rewriting a fetched document with stubbed attachments and
// no stub marker would drop the stored bodies.
type Attachment struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
	Length      int64  `json:"length,omitempty"`
}

// Transaction is one vehicle's parking session. Field names mirror the
// upstream document schema; unknown keys round-trip through Extra so a
// newer entry gate can add fields without this process dropping them.
type Transaction struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`

	NoBarcode  string `json:"no_barcode,omitempty"`
	CardNumber string `json:"card_number,omitempty"`
	NoPol      string `json:"no_pol,omitempty"`
	PlatNomor  string `json:"plat_nomor,omitempty"`

	VehicleClass int `json:"id_kendaraan,omitempty"`
	Status       int `json:"status"`

	WaktuMasuk  string `json:"waktu_masuk,omitempty"`
	WaktuKeluar string `json:"waktu_keluar,omitempty"`
	BayarKeluar int    `json:"bayar_keluar,omitempty"`

	IDPintuKeluar string `json:"id_pintu_keluar,omitempty"`
	IDOpKeluar    string `json:"id_op_keluar,omitempty"`
	IDShiftKeluar string `json:"id_shift_keluar,omitempty"`
	ExitMethod    string `json:"exit_method,omitempty"`
	ExitInput     string `json:"exit_input,omitempty"`

	Attachments map[string]Attachment `json:"_attachments,omitempty"`

	// Extra holds keys this build does not know about.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownKeys are the JSON keys owned by the struct fields above.
var knownKeys = map[string]struct{}{
	"_id": {}, "_rev": {}, "type": {},
	"no_barcode": {}, "card_number": {}, "no_pol": {}, "plat_nomor": {},
	"id_kendaraan": {}, "status": {},
	"waktu_masuk": {}, "waktu_keluar": {}, "bayar_keluar": {},
	"id_pintu_keluar": {}, "id_op_keluar": {}, "id_shift_keluar": {},
	"exit_method": {}, "exit_input": {},
	"_attachments": {},
}

// txAlias avoids marshal recursion.
type txAlias Transaction

func (t Transaction) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(txAlias(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return base, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range t.Extra {
		if _, owned := knownKeys[k]; owned {
			continue
		}
		m[k] = v
	}
	return json.Marshal(m)
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	var a txAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for k := range knownKeys {
		delete(m, k)
	}
	*t = Transaction(a)
	if len(m) > 0 {
		t.Extra = m
	}
	return nil
}

// IsMember reports whether the document is a member entry.
func (t *Transaction) IsMember() bool { return t.Type == TypeMember }

// Active reports whether the vehicle is still inside.
func (t *Transaction) Active() bool { return t.Status == StatusInside }

// EntryTime parses waktu_masuk. Zero time if absent or malformed.
func (t *Transaction) EntryTime() time.Time { return parseStamp(t.WaktuMasuk) }

// ExitTime parses waktu_keluar. Zero time if absent or malformed.
func (t *Transaction) ExitTime() time.Time { return parseStamp(t.WaktuKeluar) }

// Key returns the primary index value for the document variant:
// no_barcode for tickets, card_number for members.
func (t *Transaction) Key() string {
	if t.IsMember() {
		return t.CardNumber
	}
	return t.NoBarcode
}

// Plate returns whichever plate field is set; entry gates have written
// both spellings over time.
func (t *Transaction) Plate() string {
	if t.NoPol != "" {
		return t.NoPol
	}
	return t.PlatNomor
}

// Clone deep-copies the document so callers cannot alias cached state.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.Attachments != nil {
		c.Attachments = make(map[string]Attachment, len(t.Attachments))
		for k, v := range t.Attachments {
			a := v
			a.Data = make([]byte, len(v.Data))
			copy(a.Data, v.Data)
			c.Attachments[k] = a
		}
	}
	if t.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(t.Extra))
		for k, v := range t.Extra {
			r := make(json.RawMessage, len(v))
			copy(r, v)
			c.Extra[k] = r
		}
	}
	return &c
}

// TransactionDocID is the canonical id for a ticket barcode.
func TransactionDocID(code string) string { return PrefixTransaction + code }

// MemberDocID is the canonical id for a member card.
func MemberDocID(card string) string { return PrefixMember + card }

// HasKnownPrefix reports whether the scan already looks like a full
// document id rather than a bare barcode.
func HasKnownPrefix(code string) bool {
	return strings.HasPrefix(code, PrefixTransaction) ||
		strings.HasPrefix(code, PrefixParking) ||
		strings.HasPrefix(code, PrefixMember)
}

// FormatStamp renders a timestamp in the document schema's ISO-8601
// with-offset form.
func FormatStamp(t time.Time) string { return t.Format(time.RFC3339) }

func parseStamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	// Entry gates have written second-precision stamps without offset.
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

func (t *Transaction) String() string {
	return fmt.Sprintf("%s(%s status=%d)", t.Type, t.ID, t.Status)
}
