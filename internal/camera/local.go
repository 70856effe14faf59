package camera

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/blackjack/webcam"
)

const warmup = time.Second

// Local captures stills from a USB/CSI camera through V4L2. The device
// must offer an MJPEG mode; individual MJPEG frames are valid JPEGs, so
// no re-encoding is needed.
type Local struct {
	name   string
	device string
	logger *log.Logger

	mu  sync.Mutex
	cam *webcam.Webcam
}

// NewLocal opens /dev/video{index} and selects the largest MJPEG frame
// size. ErrNoBackend when the device is missing or offers no JPEG
// format.
func NewLocal(name string, index int, logger *log.Logger) (*Local, error) {
	device := fmt.Sprintf("/dev/video%d", index)
	cam, err := webcam.Open(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoBackend, device, err)
	}

	var jpegFormat webcam.PixelFormat
	found := false
	for f, desc := range cam.GetSupportedFormats() {
		if strings.Contains(strings.ToUpper(desc), "JPEG") {
			jpegFormat = f
			found = true
			break
		}
	}
	if !found {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: %s has no JPEG format", ErrNoBackend, device)
	}

	var width, height uint32
	for _, s := range cam.GetSupportedFrameSizes(jpegFormat) {
		if s.MaxWidth*s.MaxHeight > width*height {
			width, height = s.MaxWidth, s.MaxHeight
		}
	}
	if _, _, _, err := cam.SetImageFormat(jpegFormat, width, height); err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: %s: set format: %v", ErrNoBackend, device, err)
	}
	if err := cam.StartStreaming(); err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: %s: streaming: %v", ErrNoBackend, device, err)
	}

	l := &Local{name: name, device: device, logger: logger, cam: cam}

	// Sensors need a moment to settle exposure; frames captured during
	// warm-up are discarded.
	deadline := time.Now().Add(warmup)
	for time.Now().Before(deadline) {
		if err := cam.WaitForFrame(1); err != nil {
			continue
		}
		_, _ = cam.ReadFrame()
	}
	logger.Printf("camera %s: local device %s ready (%dx%d)", name, device, width, height)
	return l, nil
}

func (l *Local) Name() string { return l.name }

func (l *Local) Capture(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cam == nil {
		return nil, ErrNoBackend
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHTTPTimeout)
	}
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if err := l.cam.WaitForFrame(1); err != nil {
			continue
		}
		frame, err := l.cam.ReadFrame()
		if err != nil || len(frame) == 0 {
			continue
		}
		out := make([]byte, len(frame))
		copy(out, frame)
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTimeout, l.device)
}

// Close stops streaming and releases the device.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cam == nil {
		return nil
	}
	_ = l.cam.StopStreaming()
	err := l.cam.Close()
	l.cam = nil
	return err
}
