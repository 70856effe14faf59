package camera

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(bytes.NewBuffer(nil), "", 0)
}

func TestSnapshotURLByBrand(t *testing.T) {
	cases := []struct {
		brand string
		want  string
	}{
		{"hikvision", "http://10.0.0.5/ISAPI/Streaming/channels/101/picture"},
		{"dahua", "http://10.0.0.5/cgi-bin/snapshot.cgi?channel=1"},
		{"axis", "http://10.0.0.5/axis-cgi/jpg/image.cgi"},
		{"Hikvision", "http://10.0.0.5/ISAPI/Streaming/channels/101/picture"},
	}
	for _, tc := range cases {
		c, err := NewHTTP(HTTPConfig{Name: "plate", Host: "10.0.0.5", Brand: tc.brand}, testLogger())
		require.NoError(t, err, tc.brand)
		require.Equal(t, tc.want, c.SnapshotURL())
	}
}

func TestSnapshotURLCustomPathAndCreds(t *testing.T) {
	c, err := NewHTTP(HTTPConfig{
		Name: "plate",
		Host: "admin:secret@10.0.0.5:8080",
		Path: "snap.jpg",
	}, testLogger())
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.5:8080/snap.jpg", c.SnapshotURL())
}

func TestUnknownBrandWithoutPath(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{Name: "plate", Host: "10.0.0.5", Brand: "nocturne"}, testLogger())
	require.Error(t, err)
}

func TestCapture(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x01, 0x02}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpeg)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	good, err := NewHTTP(HTTPConfig{
		Name: "plate", Host: host, Path: "/snap", Username: "admin", Password: "secret",
	}, testLogger())
	require.NoError(t, err)

	data, err := good.Capture(context.Background())
	require.NoError(t, err)
	require.Equal(t, jpeg, data)

	bad, err := NewHTTP(HTTPConfig{Name: "plate", Host: host, Path: "/snap"}, testLogger())
	require.NoError(t, err)
	_, err = bad.Capture(context.Background())
	require.ErrorIs(t, err, ErrAuth)
}

func TestCaptureConnRefused(t *testing.T) {
	// A listener that was just closed gives a reliably refused port.
	srv := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c, err := NewHTTP(HTTPConfig{
		Name: "plate", Host: host, Path: "/snap", Timeout: 2 * time.Second,
	}, testLogger())
	require.NoError(t, err)

	_, err = c.Capture(context.Background())
	require.ErrorIs(t, err, ErrConnRefused)
}
