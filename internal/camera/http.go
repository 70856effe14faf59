package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Snapshot paths by camera brand. "custom" uses the configured path
// verbatim.
var brandPaths = map[string]string{
	"hikvision": "/ISAPI/Streaming/channels/101/picture",
	"dahua":     "/cgi-bin/snapshot.cgi?channel=1",
	"axis":      "/axis-cgi/jpg/image.cgi",
	"onvif":     "/onvif-http/snapshot",
}

const defaultHTTPTimeout = 5 * time.Second

// HTTPConfig describes one IP camera.
type HTTPConfig struct {
	Name     string // "plate" or "driver"
	Host     string // ip or host[:port]; may embed user:pass@
	Username string
	Password string
	Brand    string
	Path     string // overrides the brand path when set
	Timeout  time.Duration
}

// HTTP fetches stills from an IP camera's snapshot endpoint with HTTP
// Basic auth. A mutex serializes captures per device; cheap cameras
// drop concurrent requests.
type HTTP struct {
	cfg    HTTPConfig
	url    string
	user   string
	pass   string
	client *http.Client
	logger *log.Logger
	mu     sync.Mutex
}

// NewHTTP resolves the snapshot URL from the brand profile.
// Credentials may come from config fields or a user:pass@host form.
func NewHTTP(cfg HTTPConfig, logger *log.Logger) (*HTTP, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}

	host := cfg.Host
	user, pass := cfg.Username, cfg.Password
	if at := strings.LastIndex(host, "@"); at >= 0 {
		cred := host[:at]
		host = host[at+1:]
		if colon := strings.Index(cred, ":"); colon >= 0 {
			user, pass = cred[:colon], cred[colon+1:]
		} else {
			user = cred
		}
	}

	path := cfg.Path
	if path == "" {
		var ok bool
		path, ok = brandPaths[strings.ToLower(cfg.Brand)]
		if !ok {
			return nil, fmt.Errorf("camera %s: unknown brand %q and no path configured", cfg.Name, cfg.Brand)
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u := url.URL{Scheme: "http", Host: host}
	snapshot := u.String() + path

	return &HTTP{
		cfg:    cfg,
		url:    snapshot,
		user:   user,
		pass:   pass,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

func (c *HTTP) Name() string { return c.cfg.Name }

// SnapshotURL is the resolved endpoint. Test helper.
func (c *HTTP) SnapshotURL() string { return c.url }

func (c *HTTP) Capture(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.mapErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrAuth, resp.Status)
	default:
		return nil, fmt.Errorf("%w: %s", ErrHTTPStatus, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.mapErr(err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrHTTPStatus)
	}
	return body, nil
}

func (c *HTTP) mapErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, c.url)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, c.url)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrConnRefused, opErr)
	}
	return err
}
