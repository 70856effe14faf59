package scanner

import (
	"fmt"
	"log"
	"time"

	evdev "github.com/holoplot/go-evdev"

	"github.com/garasindo/exitgate/internal/exitgate/types"
)

// keyChars maps the key codes a keyboard-wedge scanner produces to
// characters. Anything outside this table is ignored; validation
// rejects non-alphanumeric codes anyway.
var keyChars = map[evdev.EvCode]byte{
	evdev.KEY_0: '0', evdev.KEY_1: '1', evdev.KEY_2: '2', evdev.KEY_3: '3',
	evdev.KEY_4: '4', evdev.KEY_5: '5', evdev.KEY_6: '6', evdev.KEY_7: '7',
	evdev.KEY_8: '8', evdev.KEY_9: '9',
	evdev.KEY_A: 'A', evdev.KEY_B: 'B', evdev.KEY_C: 'C', evdev.KEY_D: 'D',
	evdev.KEY_E: 'E', evdev.KEY_F: 'F', evdev.KEY_G: 'G', evdev.KEY_H: 'H',
	evdev.KEY_I: 'I', evdev.KEY_J: 'J', evdev.KEY_K: 'K', evdev.KEY_L: 'L',
	evdev.KEY_M: 'M', evdev.KEY_N: 'N', evdev.KEY_O: 'O', evdev.KEY_P: 'P',
	evdev.KEY_Q: 'Q', evdev.KEY_R: 'R', evdev.KEY_S: 'S', evdev.KEY_T: 'T',
	evdev.KEY_U: 'U', evdev.KEY_V: 'V', evdev.KEY_W: 'W', evdev.KEY_X: 'X',
	evdev.KEY_Y: 'Y', evdev.KEY_Z: 'Z',
	evdev.KEY_ENTER: '\n', evdev.KEY_KPENTER: '\n', evdev.KEY_TAB: '\t',
}

// Evdev frames key events from a dedicated HID scanner device. This is
// the preferred source: it works without a controlling terminal and
// does not compete with the operator console for stdin.
type Evdev struct {
	dev    *evdev.InputDevice
	framer *Framer
	logger *log.Logger

	chars chan byte
	out   chan types.ScanEvent
	stop  chan struct{}
	done  chan struct{}
}

// NewEvdev opens an input event device (e.g. /dev/input/event3) and
// grabs it so keystrokes do not leak to the console.
func NewEvdev(path string, cfg Config, logger *log.Logger) (*Evdev, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scanner device %s: %w", path, err)
	}
	if err := dev.Grab(); err != nil {
		logger.Printf("scanner: grab %s: %v (continuing ungrabbed)", path, err)
	}

	s := &Evdev{
		dev:    dev,
		framer: NewFramer(cfg),
		logger: logger,
		chars:  make(chan byte, 256),
		out:    make(chan types.ScanEvent, 16),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.read()
	go s.loop()
	return s, nil
}

func (s *Evdev) Events() <-chan types.ScanEvent { return s.out }

func (s *Evdev) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	_ = s.dev.Close() // unblocks ReadOne
	<-s.done
}

// read pumps mapped key-down characters off the device. ReadOne blocks
// in the kernel; Stop closes the device to unblock it.
func (s *Evdev) read() {
	for {
		ev, err := s.dev.ReadOne()
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.logger.Printf("scanner: evdev read: %v", err)
			}
			return
		}
		// Key-down only; repeats and releases are noise.
		if ev.Type != evdev.EV_KEY || ev.Value != 1 {
			continue
		}
		ch, ok := keyChars[ev.Code]
		if !ok {
			continue
		}
		select {
		case s.chars <- ch:
		case <-s.stop:
			return
		}
	}
}

// loop owns the framer. The ticker drives the idle flush even when the
// device goes silent after a burst with no terminator.
func (s *Evdev) loop() {
	defer close(s.done)
	defer close(s.out)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case ch := <-s.chars:
			if out, ok := s.framer.Push(ch, time.Now()); ok {
				s.emit(out)
			}
		case <-ticker.C:
			if out, ok := s.framer.FlushIfIdle(time.Now()); ok {
				s.emit(out)
			}
		}
	}
}

func (s *Evdev) emit(ev types.ScanEvent) {
	select {
	case s.out <- ev:
	default:
		s.logger.Printf("scanner: consumer stalled, dropping scan %q", ev.Code)
	}
}
