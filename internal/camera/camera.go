// Package camera captures snapshot evidence at the exit lane. Two
// backends exist: HTTP snapshot endpoints on IP cameras, and local
// V4L2 devices. Captures return raw JPEG bytes; stores base64-encode
// them as attachment bodies.
package camera

import (
	"context"
	"errors"
)

var (
	// ErrTimeout means the device did not answer within its deadline.
	ErrTimeout = errors.New("camera timeout")

	// ErrAuth means the camera rejected our credentials.
	ErrAuth = errors.New("camera auth rejected")

	// ErrHTTPStatus means the camera answered with a non-200 status.
	ErrHTTPStatus = errors.New("camera http error")

	// ErrConnRefused means the camera host refused the connection.
	ErrConnRefused = errors.New("camera connection refused")

	// ErrNoBackend means no capture backend could be initialized.
	ErrNoBackend = errors.New("no camera backend available")
)

// Camera is one capture source. Capture must honor ctx and is called
// concurrently with other cameras but never concurrently with itself.
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
	Name() string
}
