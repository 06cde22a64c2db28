package webhook

import (
	"time"

	"github.com/araddon/dateparse"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/chatgate-io/chatgate/internal/domain"
)

// Envelope is the outer shape of every gateway callback. Data carries the
// event-specific payload and is decoded per type.
type Envelope struct {
	Event     string
	DeviceID  int64
	EventID   string
	Timestamp string
	Data      map[string]interface{}

	raw []byte
}

// ParseEnvelope decodes the outer webhook envelope. The payload inside
// Data stays untyped until the per-event decode. deviceId arrives as a
// string from current gateways and as a number from older ones.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var wire struct {
		Event     string                 `json:"event"`
		DeviceID  interface{}            `json:"deviceId"`
		EventID   string                 `json:"eventId"`
		Timestamp string                 `json:"timestamp"`
		Data      map[string]interface{} `json:"data"`
	}
	if err := jsoniter.Unmarshal(body, &wire); err != nil {
		return nil, errors.Wrap(domain.ErrValidation, err.Error())
	}
	if wire.Event == "" {
		return nil, errors.Wrap(domain.ErrValidation, "missing event field")
	}
	env := &Envelope{
		Event:     wire.Event,
		DeviceID:  cast.ToInt64(wire.DeviceID),
		EventID:   wire.EventID,
		Timestamp: wire.Timestamp,
		Data:      wire.Data,
		raw:       body,
	}
	if env.DeviceID == 0 && env.Event != domain.EventCommandResult {
		return nil, errors.Wrap(domain.ErrValidation, "missing deviceId field")
	}
	return env, nil
}

// EventTime resolves the gateway's event timestamp. Gateways have shipped
// several formats over time, so parsing is lenient; a missing or garbled
// timestamp falls back to arrival time.
func (e *Envelope) EventTime() time.Time {
	if e.Timestamp == "" {
		return time.Now()
	}
	ts, err := dateparse.ParseAny(e.Timestamp)
	if err != nil {
		return time.Now()
	}
	return ts
}

type statusChangePayload struct {
	Status        string `mapstructure:"status"`
	IsOnline      *bool  `mapstructure:"isOnline"`
	DisplayName   string `mapstructure:"displayName"`
	GatewayUserID string `mapstructure:"gatewayUserId"`
}

type qrUpdatePayload struct {
	Qr  string `mapstructure:"qr"`
	TTL int    `mapstructure:"ttl"`
}

type messageCountPayload struct {
	Count int `mapstructure:"count"`
}

type deviceInfoPayload struct {
	DisplayName   string `mapstructure:"displayName"`
	GatewayUserID string `mapstructure:"gatewayUserId"`
}

type commandResultPayload struct {
	CommandID int64  `mapstructure:"commandId"`
	DeviceID  int64  `mapstructure:"deviceId"`
	Success   bool   `mapstructure:"success"`
	Message   string `mapstructure:"message"`
}

// decodePayload maps the untyped Data block onto a typed payload struct.
// WeaklyTypedInput absorbs the gateway's habit of sending numbers as
// strings.
func decodePayload(data map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(data); err != nil {
		return errors.Wrap(domain.ErrValidation, err.Error())
	}
	return nil
}
