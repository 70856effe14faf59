package scanner

import (
	"bytes"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/garasindo/exitgate/internal/exitgate/types"
)

// startEvdevLoop runs the framing loop without a device; characters are
// injected straight into the pump channel.
func startEvdevLoop(t *testing.T, cfg Config) *Evdev {
	t.Helper()
	s := &Evdev{
		framer: NewFramer(cfg),
		logger: log.New(bytes.NewBuffer(nil), "", 0),
		chars:  make(chan byte, 64),
		out:    make(chan types.ScanEvent, 4),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.loop()
	t.Cleanup(func() {
		close(s.stop)
		<-s.done
	})
	return s
}

func TestEvdevFlushesWithoutTerminator(t *testing.T) {
	s := startEvdevLoop(t, Config{InterCharTimeout: 20 * time.Millisecond})

	// A scanner burst with no trailing Enter; only the ticker can
	// flush it.
	for _, b := range []byte("PK2401") {
		s.chars <- b
	}

	select {
	case ev := <-s.out:
		require.Equal(t, "PK2401", ev.Code)
		require.True(t, ev.Valid)
	case <-time.After(2 * time.Second):
		t.Fatal("idle flush never fired")
	}
}

func TestEvdevTerminatorStillFlushes(t *testing.T) {
	s := startEvdevLoop(t, Config{})

	for _, b := range []byte("PK2402\n") {
		s.chars <- b
	}

	select {
	case ev := <-s.out:
		require.Equal(t, "PK2402", ev.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("no scan emitted")
	}
}
