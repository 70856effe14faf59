// Package scanner turns raw character input from a keyboard-emulation
// barcode reader (or HID event device) into validated scan events.
package scanner

import (
	"strings"
	"time"

	"github.com/garasindo/exitgate/internal/exitgate/types"
)

// Config is the framing contract for keyboard-emulation readers.
type Config struct {
	MinLength        int           // default 6
	MaxLength        int           // default 20
	InterCharTimeout time.Duration // gap that flushes the buffer, default 100ms
	Cooldown         time.Duration // debounce window after an emit, default 500ms
}

func (c Config) withDefaults() Config {
	if c.MinLength <= 0 {
		c.MinLength = 6
	}
	if c.MaxLength <= 0 {
		c.MaxLength = 20
	}
	if c.InterCharTimeout <= 0 {
		c.InterCharTimeout = 100 * time.Millisecond
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 500 * time.Millisecond
	}
	return c
}

// Framer accumulates characters into barcodes. Characters within the
// inter-char window accrue; a longer gap, a terminator, or a full
// buffer flushes. Not safe for concurrent use; each source owns one.
type Framer struct {
	cfg      Config
	buf      strings.Builder
	lastChar time.Time
	lastEmit time.Time
}

func NewFramer(cfg Config) *Framer {
	return &Framer{cfg: cfg.withDefaults()}
}

func isTerminator(b byte) bool { return b == '\r' || b == '\n' || b == '\t' }

// Push feeds one character. It may produce a scan event: either from
// the gap-flush of the previous buffer or from this character
// completing one.
func (f *Framer) Push(b byte, at time.Time) (types.ScanEvent, bool) {
	if isTerminator(b) {
		return f.flush(at)
	}

	// A gap longer than the inter-char window means the previous burst
	// was a complete read; the new character starts the next one.
	var pending types.ScanEvent
	havePending := false
	if f.buf.Len() > 0 && at.Sub(f.lastChar) > f.cfg.InterCharTimeout {
		pending, havePending = f.flush(at)
	}

	f.buf.WriteByte(b)
	f.lastChar = at

	if f.buf.Len() >= f.cfg.MaxLength {
		if ev, ok := f.flush(at); ok {
			return ev, true
		}
	}
	return pending, havePending
}

// FlushIfIdle flushes the buffer when the reader has gone quiet. Called
// by sources on poll timeouts.
func (f *Framer) FlushIfIdle(at time.Time) (types.ScanEvent, bool) {
	if f.buf.Len() == 0 || at.Sub(f.lastChar) <= f.cfg.InterCharTimeout {
		return types.ScanEvent{}, false
	}
	return f.flush(at)
}

// flush validates and emits the buffered code, enforcing the cooldown.
// Scans inside the cooldown window are dropped entirely.
func (f *Framer) flush(at time.Time) (types.ScanEvent, bool) {
	raw := f.buf.String()
	f.buf.Reset()
	if raw == "" {
		return types.ScanEvent{}, false
	}
	if !f.lastEmit.IsZero() && at.Sub(f.lastEmit) < f.cfg.Cooldown {
		return types.ScanEvent{}, false
	}
	f.lastEmit = at

	code := strings.ToUpper(raw)
	valid := len(code) >= f.cfg.MinLength && len(code) <= f.cfg.MaxLength && alnum(code)
	return types.ScanEvent{Code: code, At: at, Valid: valid}, true
}

func alnum(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}
