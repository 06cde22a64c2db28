// Package gateway implements the synchronous HTTP bridge to the external
// messaging gateway. Every call blocks with an explicit timeout; a gateway
// accept is only the sync half of the contract, the real outcome arrives
// later on the webhook path.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chatgate-io/chatgate/internal/domain"
)

// Result is the gateway response envelope {success, data, message}.
type Result struct {
	Code    int                 `json:"-"`
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    jsoniter.RawMessage `json:"data"`
}

// Accepted reports whether the gateway synchronously accepted the request.
// Acceptance does NOT mean the device reached the requested state.
func (r *Result) Accepted() bool {
	return r != nil && r.Code >= 200 && r.Code < 300 && r.Success
}

// Bridge is the gateway surface the dispatcher depends on.
type Bridge interface {
	Connect(ctx context.Context, deviceID int64) (*Result, error)
	Disconnect(ctx context.Context, deviceID int64) (*Result, error)
	Restart(ctx context.Context, deviceID int64) (*Result, error)
	GetQR(ctx context.Context, deviceID int64) (string, error)
	Health(ctx context.Context) bool
}

// Client is the gout-backed Bridge implementation.
type Client struct {
	baseURL string
	timeout time.Duration

	healthTTL time.Duration
	healthSF  singleflight.Group
	healthMu  sync.Mutex
	healthVal bool
	healthAt  time.Time
}

// NewClient creates a gateway client. timeout bounds each call; healthTTL
// bounds how long a health verdict is reused to gate command dispatch.
func NewClient(baseURL string, timeout, healthTTL time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if healthTTL <= 0 {
		healthTTL = 2 * time.Second
	}
	return &Client{baseURL: baseURL, timeout: timeout, healthTTL: healthTTL}
}

func (c *Client) Connect(ctx context.Context, deviceID int64) (*Result, error) {
	return c.post(ctx, "/connect", deviceID)
}

func (c *Client) Disconnect(ctx context.Context, deviceID int64) (*Result, error) {
	return c.post(ctx, "/disconnect", deviceID)
}

func (c *Client) Restart(ctx context.Context, deviceID int64) (*Result, error) {
	return c.post(ctx, "/restart", deviceID)
}

// GetQR fetches the current pairing code for a device from the gateway.
func (c *Client) GetQR(ctx context.Context, deviceID int64) (string, error) {
	res, err := c.do(ctx, "GET", fmt.Sprintf("/qr?deviceId=%d", deviceID), nil)
	if err != nil {
		return "", err
	}
	if !res.Accepted() {
		return "", errors.Wrapf(domain.ErrNotFound, "gateway qr fetch rejected: %s", res.Message)
	}
	var payload struct {
		Qr string `json:"qr"`
	}
	if err := jsoniter.Unmarshal(res.Data, &payload); err != nil {
		return "", errors.Wrap(err, "decode qr payload")
	}
	return payload.Qr, nil
}

// Health reports gateway reachability. The verdict is cached briefly and
// concurrent probes are deduplicated so enqueue bursts do not stampede the
// gateway.
func (c *Client) Health(ctx context.Context) bool {
	c.healthMu.Lock()
	if time.Since(c.healthAt) < c.healthTTL {
		v := c.healthVal
		c.healthMu.Unlock()
		return v
	}
	c.healthMu.Unlock()

	v, _, _ := c.healthSF.Do("health", func() (interface{}, error) {
		res, err := c.do(ctx, "GET", "/health", nil)
		healthy := err == nil && res.Accepted()
		c.healthMu.Lock()
		c.healthVal = healthy
		c.healthAt = time.Now()
		c.healthMu.Unlock()
		if !healthy {
			zap.L().Warn("gateway health check failed", zap.Error(err))
		}
		return healthy, nil
	})
	return v.(bool)
}

func (c *Client) post(ctx context.Context, path string, deviceID int64) (*Result, error) {
	return c.do(ctx, "POST", path, gout.H{"deviceId": deviceID})
}

// do performs one HTTP call with a single retry for transient network
// failures. HTTP error statuses are never retried; they are the gateway's
// answer, not a transport fault.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		res, err := c.once(ctx, method, path, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		zap.L().Warn("gateway call transport failure",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, errors.Wrapf(domain.ErrTransientNetwork, "%s %s: %v", method, path, lastErr)
}

func (c *Client) once(ctx context.Context, method, path string, body interface{}) (*Result, error) {
	var (
		code int
		raw  string
	)
	df := gout.New().GET(c.baseURL + path)
	if method == "POST" {
		df = gout.New().POST(c.baseURL + path)
	}
	df = df.WithContext(ctx).SetTimeout(c.timeout)
	if body != nil {
		df = df.SetJSON(body)
	}
	err := df.
		Code(&code).
		BindBody(&raw).
		Do()
	if err != nil {
		return nil, err
	}

	res := &Result{Code: code}
	if raw != "" {
		if uerr := jsoniter.UnmarshalFromString(raw, res); uerr != nil {
			// non-envelope body; keep the status code verdict
			res.Message = raw
		}
	}
	res.Code = code
	return res, nil
}
