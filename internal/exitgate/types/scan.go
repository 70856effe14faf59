package types

import "time"

// ScanEvent is one framed read from the barcode/card scanner. It is an
// immutable value; sources hand copies to every listener.
type ScanEvent struct {
	Code  string
	At    time.Time
	Valid bool
}
