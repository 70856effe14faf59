// Package auditlog persists every bus event to the local sqlite
// database. When a reconciliation question comes up ("did the gate
// open for this ticket?"), the answer is in this table even if the
// operator UI was down.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"

	"github.com/garasindo/exitgate/internal/db"
	"github.com/garasindo/exitgate/internal/exitgate/types"
)

// Sink consumes a bus subscription and records each event. Failed
// writes are logged and dropped; the audit trail must never block or
// fail the exit path.
type Sink struct {
	writer *db.Worker
	logger *log.Logger
	done   chan struct{}
}

func NewSink(writer *db.Worker, logger *log.Logger) *Sink {
	return &Sink{writer: writer, logger: logger, done: make(chan struct{})}
}

// Run consumes events until the subscription closes or ctx is
// cancelled. Intended as a goroutine.
func (s *Sink) Run(ctx context.Context, events <-chan types.Event) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.record(ctx, ev); err != nil {
				s.logger.Printf("auditlog: record %s: %v", ev.Kind, err)
			}
		}
	}
}

// Wait blocks until Run has exited.
func (s *Sink) Wait() { <-s.done }

func (s *Sink) record(ctx context.Context, ev types.Event) error {
	var fields []byte
	if len(ev.Fields) > 0 {
		var err error
		if fields, err = json.Marshal(ev.Fields); err != nil {
			return err
		}
	}

	// transaction_id is denormalized out of the fields so support can
	// query a ticket's history without JSON functions.
	var txnID any
	if v, ok := ev.Fields["transaction_id"].(string); ok && v != "" {
		txnID = v
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO events(event_id, kind, at_ms, transaction_id, fields_json)
VALUES (?, ?, ?, ?, ?);
`,
			ev.ID, string(ev.Kind), ev.At.UTC().UnixMilli(), txnID, nullable(fields),
		)
		return err
	})
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
