package dispatch

import (
	evbus "github.com/asaskevich/EventBus"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/chatgate-io/chatgate/internal/domain"
)

// TopicRetryExhausted fires when a device has burned through its automatic
// reconnect budget and now requires operator attention.
const TopicRetryExhausted = "device.retry.exhausted"

// DefaultRetryThreshold bounds automatic connect attempts per device.
const DefaultRetryThreshold = 5

// Settings reads runtime configuration, backed by the sys_config table.
type Settings interface {
	GetStringValue(module, name string) string
}

// RetryPolicy decides whether the system may issue another automatic
// connect for a device. Operator-issued commands are never gated here:
// a human clicking retry is the recovery path, not a storm.
type RetryPolicy struct {
	settings Settings
	bus      evbus.Bus
}

func NewRetryPolicy(settings Settings, bus evbus.Bus) *RetryPolicy {
	return &RetryPolicy{settings: settings, bus: bus}
}

// Threshold returns the configured retry limit, falling back to the
// default when unset or unparseable.
func (p *RetryPolicy) Threshold() int {
	if p.settings == nil {
		return DefaultRetryThreshold
	}
	v := cast.ToInt(p.settings.GetStringValue("device", "MaxConnectRetries"))
	if v <= 0 {
		return DefaultRetryThreshold
	}
	return v
}

// AllowAutoConnect reports whether an automatically generated connect may
// be issued for the device.
func (p *RetryPolicy) AllowAutoConnect(device *domain.Device) bool {
	return device.RetryCount < p.Threshold()
}

// NoteExhausted records that a device hit the retry ceiling and notifies
// subscribers exactly for this occurrence.
func (p *RetryPolicy) NoteExhausted(device *domain.Device) {
	zap.L().Warn("device retry budget exhausted",
		zap.Int64("device_id", device.ID),
		zap.Int("retry_count", device.RetryCount),
		zap.Int("threshold", p.Threshold()))
	if p.bus != nil {
		p.bus.Publish(TopicRetryExhausted, device.ID, device.RetryCount)
	}
}
