// Package webhook receives and applies gateway callbacks. Deliveries are
// authenticated, deduplicated and logged; handlers are idempotent because
// the gateway retries deliveries it considers unacknowledged.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
	"time"

	"github.com/c-robinson/iplib"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chatgate-io/chatgate/internal/devices"
	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/pkg/common"
	"github.com/chatgate-io/chatgate/pkg/metrics"
)

// CommandResolver settles in-flight commands from command_result events.
// Satisfied by dispatch.Dispatcher.
type CommandResolver interface {
	Resolve(ctx context.Context, commandID int64, success bool, response datatypes.JSON) error
	ResolveLatest(ctx context.Context, deviceID int64, success bool, response datatypes.JSON) error
}

// Delivery is one inbound webhook request, transport detached.
type Delivery struct {
	Body      []byte
	Signature string
	RemoteIP  string
}

type Ingestor struct {
	db       *gorm.DB
	state    *devices.Service
	qr       *devices.QRManager
	resolver CommandResolver
	secret   string
	allow    []iplib.Net
}

func NewIngestor(db *gorm.DB, state *devices.Service, qr *devices.QRManager,
	resolver CommandResolver, secret string) *Ingestor {
	return &Ingestor{db: db, state: state, qr: qr, resolver: resolver, secret: secret}
}

// SetAllowlist restricts deliveries to the given CIDR blocks. An empty
// list disables the IP filter.
func (g *Ingestor) SetAllowlist(cidrs []string) error {
	nets := make([]iplib.Net, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, n, err := iplib.ParseCIDR(c)
		if err != nil {
			return errors.Wrapf(domain.ErrValidation, "bad allowlist entry %q", c)
		}
		nets = append(nets, n)
	}
	g.allow = nets
	return nil
}

// Ingest authenticates and applies one delivery. A WebhookEvent row is
// written for every delivery that passes authentication, including
// malformed, unknown-type and duplicate ones; authentication failures
// leave no trace beyond the log.
func (g *Ingestor) Ingest(ctx context.Context, d Delivery) (*domain.WebhookEvent, error) {
	started := time.Now()

	if err := g.authenticate(d); err != nil {
		zap.L().Warn("webhook delivery refused",
			zap.String("remote_ip", d.RemoteIP), zap.Error(err))
		return nil, err
	}

	env, err := ParseEnvelope(d.Body)
	if err != nil {
		return g.record(ctx, nil, "", "", d.Body, 400, false, err.Error(), started), err
	}

	if !domain.KnownEventType(env.Event) {
		err := errors.Wrapf(domain.ErrValidation, "unknown event type %q", env.Event)
		return g.record(ctx, deviceRef(env.DeviceID), env.Event, env.EventID,
			d.Body, 400, false, err.Error(), started), err
	}

	if dup, derr := g.isDuplicate(ctx, env); derr != nil {
		return nil, derr
	} else if dup {
		zap.L().Info("duplicate webhook delivery ignored",
			zap.String("event", env.Event),
			zap.String("event_id", env.EventID),
			zap.Int64("device_id", env.DeviceID))
		return g.record(ctx, deviceRef(env.DeviceID), env.Event, env.EventID,
			d.Body, 200, true, "duplicate delivery ignored", started), nil
	}

	herr := g.apply(ctx, env)
	code, ok, msg := 200, true, ""
	if herr != nil {
		ok, msg = false, herr.Error()
		if errors.Is(herr, domain.ErrValidation) || errors.Is(herr, domain.ErrNotFound) {
			code = 400
		} else {
			code = 500
		}
	}
	metrics.IncrCounter("webhook_events_"+env.Event, 1)
	return g.record(ctx, deviceRef(env.DeviceID), env.Event, env.EventID,
		d.Body, code, ok, msg, started), herr
}

func (g *Ingestor) authenticate(d Delivery) error {
	if len(g.allow) > 0 {
		ip := net.ParseIP(d.RemoteIP)
		if ip == nil {
			return errors.Wrapf(domain.ErrUnauthorized, "unparseable remote ip %q", d.RemoteIP)
		}
		allowed := false
		for _, n := range g.allow {
			if n.Contains(ip) {
				allowed = true
				break
			}
		}
		if !allowed {
			return errors.Wrapf(domain.ErrUnauthorized, "ip %s not in allowlist", d.RemoteIP)
		}
	}

	if g.secret == "" {
		return nil
	}
	sig := strings.TrimPrefix(d.Signature, "sha256=")
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write(d.Body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return errors.Wrap(domain.ErrUnauthorized, "bad webhook signature")
	}
	return nil
}

// isDuplicate checks the delivery against previously accepted ones. Event
// ids are only unique per device on some gateways, so the key is
// (device, type, event id); deliveries without an event id or a device
// reference pass through.
func (g *Ingestor) isDuplicate(ctx context.Context, env *Envelope) (bool, error) {
	if env.EventID == "" || env.DeviceID == 0 {
		return false, nil
	}
	var count int64
	err := g.db.WithContext(ctx).Model(&domain.WebhookEvent{}).
		Where("device_id = ? and external_event_id = ? and type = ? and success = ?",
			env.DeviceID, env.EventID, env.Event, true).
		Count(&count).Error
	return count > 0, err
}

func (g *Ingestor) apply(ctx context.Context, env *Envelope) error {
	switch env.Event {
	case domain.EventDeviceStatusChange:
		var p statusChangePayload
		if err := decodePayload(env.Data, &p); err != nil {
			return err
		}
		if p.Status == "" {
			return errors.Wrap(domain.ErrValidation, "status_change without status")
		}
		_, err := g.state.ApplyEvent(ctx, env.DeviceID, devices.StatusEvent{
			RawStatus:     p.Status,
			Timestamp:     env.EventTime(),
			IsOnline:      p.IsOnline,
			DisplayName:   p.DisplayName,
			GatewayUserID: p.GatewayUserID,
			Source:        devices.SourceWebhook,
		})
		return err

	case domain.EventQrUpdate:
		var p qrUpdatePayload
		if err := decodePayload(env.Data, &p); err != nil {
			return err
		}
		if p.Qr == "" {
			return errors.Wrap(domain.ErrValidation, "qr_update without qr")
		}
		ttl := devices.DefaultQRTTL
		if p.TTL > 0 {
			ttl = time.Duration(p.TTL) * time.Second
		}
		return g.qr.Issue(ctx, env.DeviceID, p.Qr, ttl)

	case domain.EventMessageCount:
		var p messageCountPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return err
		}
		metrics.IncrCounter("device_messages", int64(p.Count))
		return g.state.TouchLastSeen(ctx, env.DeviceID, env.EventTime())

	case domain.EventDeviceInfoUpdate:
		var p deviceInfoPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return err
		}
		return g.state.UpdateInfo(ctx, env.DeviceID, p.DisplayName, p.GatewayUserID, env.EventTime())

	case domain.EventCommandResult:
		var p commandResultPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return err
		}
		raw := datatypes.JSON(env.raw)
		if p.CommandID != 0 {
			return g.resolver.Resolve(ctx, p.CommandID, p.Success, raw)
		}
		deviceID := env.DeviceID
		if deviceID == 0 {
			deviceID = p.DeviceID
		}
		if deviceID == 0 {
			return errors.Wrap(domain.ErrValidation, "command_result without command or device id")
		}
		return g.resolver.ResolveLatest(ctx, deviceID, p.Success, raw)
	}
	return errors.Wrapf(domain.ErrValidation, "unknown event type %q", env.Event)
}

// record writes the delivery log row. Logging must never mask the handler
// outcome, so persistence errors are logged and swallowed.
func (g *Ingestor) record(ctx context.Context, deviceID *int64, typ, eventID string,
	body []byte, code int, success bool, msg string, started time.Time) *domain.WebhookEvent {
	ev := &domain.WebhookEvent{
		ID:              common.UUIDint64(),
		DeviceID:        deviceID,
		Type:            typ,
		ExternalEventID: eventID,
		Payload:         datatypes.JSON(body),
		ResponseCode:    code,
		Success:         success,
		ErrorMessage:    msg,
		ExecutionTime:   time.Since(started).Milliseconds(),
	}
	if err := g.db.WithContext(ctx).Create(ev).Error; err != nil {
		zap.L().Error("webhook log write failed", zap.Error(err))
	}
	return ev
}

func deviceRef(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
