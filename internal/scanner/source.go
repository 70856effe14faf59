package scanner

import (
	"io"
	"log"
	"time"

	"github.com/garasindo/exitgate/internal/exitgate/types"
)

// pollInterval bounds how long the source loop waits before checking
// the gap timer and the shutdown flag.
const pollInterval = 50 * time.Millisecond

// Source is a lazy, infinite stream of scan events. Implementations:
// an HID event device (evdev.go), a tty/stdin character reader, and
// programmatic injection for tests.
type Source interface {
	// Events is the output stream. Closed after Stop.
	Events() <-chan types.ScanEvent
	// Stop terminates the reader loop and closes Events.
	Stop()
}

// Reader frames characters arriving on an io.Reader (the scanner's tty
// or stdin).
type Reader struct {
	framer *Framer
	logger *log.Logger
	clock  func() time.Time

	bytes  chan byte
	inject chan string
	out    chan types.ScanEvent
	stop   chan struct{}
	done   chan struct{}
}

// NewReader starts the framing loop immediately; the returned source is
// live until Stop.
func NewReader(r io.Reader, cfg Config, logger *log.Logger) *Reader {
	s := &Reader{
		framer: NewFramer(cfg),
		logger: logger,
		clock:  time.Now,
		bytes:  make(chan byte, 256),
		inject: make(chan string, 4),
		out:    make(chan types.ScanEvent, 16),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.read(r)
	go s.loop()
	return s
}

func (s *Reader) Events() <-chan types.ScanEvent { return s.out }

func (s *Reader) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// Simulate injects a complete code as if it were typed and terminated.
// It bypasses the byte reader but not framing or validation.
func (s *Reader) Simulate(code string) {
	select {
	case s.inject <- code:
	case <-s.stop:
	}
}

// read pumps bytes from the device. A blocking Read cannot be
// interrupted portably, so the goroutine is abandoned at shutdown; the
// process is exiting anyway.
func (s *Reader) read(r io.Reader) {
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			select {
			case s.bytes <- buf[i]:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Printf("scanner: read: %v", err)
			}
			return
		}
	}
}

func (s *Reader) loop() {
	defer close(s.done)
	defer close(s.out)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case b := <-s.bytes:
			if ev, ok := s.framer.Push(b, s.clock()); ok {
				s.emit(ev)
			}
		case code := <-s.inject:
			now := s.clock()
			for i := 0; i < len(code); i++ {
				if ev, ok := s.framer.Push(code[i], now); ok {
					s.emit(ev)
				}
			}
			if ev, ok := s.framer.Push('\n', now); ok {
				s.emit(ev)
			}
		case <-ticker.C:
			if ev, ok := s.framer.FlushIfIdle(s.clock()); ok {
				s.emit(ev)
			}
		}
	}
}

// emit never blocks the framing loop; if the consumer stalls, the
// oldest pending scan is dropped first.
func (s *Reader) emit(ev types.ScanEvent) {
	if !ev.Valid {
		s.logger.Printf("scanner: invalid scan %q dropped by validation", ev.Code)
	}
	for {
		select {
		case s.out <- ev:
			return
		default:
		}
		select {
		case <-s.out:
		default:
		}
	}
}
