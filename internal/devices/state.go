package devices

import (
	"context"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/chatgate-io/chatgate/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TopicStatusChanged is published on the event bus whenever a device status
// transition is applied. Payload: deviceID int64, status string.
const TopicStatusChanged = "device.status.changed"

// Transition sources recorded in the audit log.
const (
	SourceWebhook = "webhook"
	SourceCommand = "command"
	SourceReset   = "reset"
)

// rawStatusMap maps the gateway wire vocabulary to the canonical enum.
// Unmapped values become StatusError and are logged.
var rawStatusMap = map[string]string{
	"connecting":   domain.StatusConnecting,
	"connected":    domain.StatusConnected,
	"disconnected": domain.StatusDisconnected,
	"pairing":      domain.StatusPairing,
	"banned":       domain.StatusBanned,
	"error":        domain.StatusError,
	"timeout":      domain.StatusTimeout,
	"auth_failure": domain.StatusAuthFailure,
	"logout":       domain.StatusLogout,
}

// CanonicalStatus resolves a verbatim gateway status string. ok is false
// when the value is outside the wire vocabulary; the caller still receives
// StatusError so the device surfaces the anomaly instead of hiding it.
func CanonicalStatus(raw string) (status string, ok bool) {
	if s, found := rawStatusMap[raw]; found {
		return s, true
	}
	return domain.StatusError, false
}

// StatusEvent is a gateway-reported state change to reconcile into the
// registry.
type StatusEvent struct {
	RawStatus     string
	Timestamp     time.Time
	IsOnline      *bool
	DisplayName   string
	GatewayUserID string
	Source        string
}

// Service owns canonical device state. All mutations flow through command
// dispatch results and webhook event application.
type Service struct {
	db   *gorm.DB
	repo Repository
	bus  evbus.Bus
}

// NewService creates the device state service. bus may be nil in tests.
func NewService(db *gorm.DB, repo Repository, bus evbus.Bus) *Service {
	return &Service{db: db, repo: repo, bus: bus}
}

// Repo exposes the underlying repository.
func (s *Service) Repo() Repository {
	return s.repo
}

// ApplyEvent reconciles a gateway status event into the device record.
// Returns false when the event was stale or blocked by a terminal status;
// neither writes anything. The update is an optimistic compare-and-set on
// updated_at so a slow duplicate delivery cannot clobber newer state.
func (s *Service) ApplyEvent(ctx context.Context, deviceID int64, ev StatusEvent) (bool, error) {
	device, err := s.repo.GetByID(ctx, deviceID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, domain.ErrNotFound
		}
		return false, err
	}

	status, known := CanonicalStatus(ev.RawStatus)
	if !known {
		zap.L().Warn("unmapped gateway status",
			zap.Int64("device_id", deviceID),
			zap.String("raw_status", ev.RawStatus))
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	source := ev.Source
	if source == "" {
		source = SourceWebhook
	}

	updates := map[string]interface{}{
		"status":     status,
		"raw_status": ev.RawStatus,
		"last_seen":  ev.Timestamp,
	}
	if ev.DisplayName != "" {
		updates["display_name"] = ev.DisplayName
	}
	if ev.GatewayUserID != "" {
		updates["gateway_user_id"] = ev.GatewayUserID
	}
	if ev.IsOnline != nil {
		updates["is_online"] = *ev.IsOnline
	}

	switch status {
	case domain.StatusConnected:
		now := time.Now()
		updates["connected_at"] = now
		updates["is_online"] = true
		updates["retry_count"] = 0
		updates["qr_code"] = ""
		updates["qr_expires_at"] = nil
	case domain.StatusDisconnected, domain.StatusLogout, domain.StatusTimeout,
		domain.StatusError, domain.StatusBanned, domain.StatusAuthFailure:
		updates["is_online"] = false
	}

	query := s.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", deviceID).
		Where("updated_at <= ?", ev.Timestamp)
	if source != SourceReset {
		// terminal statuses only re-open via an explicit reset command
		query = query.Where("status NOT IN ?", []string{domain.StatusBanned, domain.StatusAuthFailure})
	}

	res := query.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		zap.L().Debug("stale or blocked status event ignored",
			zap.Int64("device_id", deviceID),
			zap.String("raw_status", ev.RawStatus),
			zap.Time("event_ts", ev.Timestamp),
			zap.String("current_status", device.Status))
		return false, nil
	}

	if device.Status != status {
		if err := s.repo.LogTransition(ctx, &domain.DeviceStatusLog{
			DeviceID:   deviceID,
			FromStatus: device.Status,
			ToStatus:   status,
			RawStatus:  ev.RawStatus,
			Source:     source,
		}); err != nil {
			zap.L().Warn("failed to log status transition",
				zap.Int64("device_id", deviceID), zap.Error(err))
		}
		if s.bus != nil {
			s.bus.Publish(TopicStatusChanged, deviceID, status)
		}
	}

	zap.L().Info("device status applied",
		zap.Int64("device_id", deviceID),
		zap.String("from", device.Status),
		zap.String("to", status),
		zap.String("source", source))
	return true, nil
}

// UpdateInfo applies a device_info_update event: display fields and last
// seen, no status change.
func (s *Service) UpdateInfo(ctx context.Context, deviceID int64, displayName, gatewayUserID string, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	updates := map[string]interface{}{"last_seen": ts}
	if displayName != "" {
		updates["display_name"] = displayName
	}
	if gatewayUserID != "" {
		updates["gateway_user_id"] = gatewayUserID
	}
	res := s.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", deviceID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TouchLastSeen bumps last_seen, used by traffic-style events that do not
// carry a state change.
func (s *Service) TouchLastSeen(ctx context.Context, deviceID int64, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", deviceID).
		Update("last_seen", ts).Error
}

// Reset clears the gateway session, QR material, and retry budget, and
// returns the device to disconnected. This is the only path out of a
// terminal status.
func (s *Service) Reset(ctx context.Context, deviceID int64) error {
	device, err := s.repo.GetByID(ctx, deviceID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ErrNotFound
		}
		return err
	}

	err = s.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", deviceID).
		Updates(map[string]interface{}{
			"status":        domain.StatusDisconnected,
			"raw_status":    domain.StatusDisconnected,
			"session_data":  "",
			"qr_code":       "",
			"qr_expires_at": nil,
			"retry_count":   0,
			"is_online":     false,
		}).Error
	if err != nil {
		return err
	}

	if err := s.repo.LogTransition(ctx, &domain.DeviceStatusLog{
		DeviceID:   deviceID,
		FromStatus: device.Status,
		ToStatus:   domain.StatusDisconnected,
		RawStatus:  domain.StatusDisconnected,
		Source:     SourceReset,
	}); err != nil {
		zap.L().Warn("failed to log reset transition",
			zap.Int64("device_id", deviceID), zap.Error(err))
	}
	if s.bus != nil {
		s.bus.Publish(TopicStatusChanged, deviceID, domain.StatusDisconnected)
	}
	zap.L().Info("device reset", zap.Int64("device_id", deviceID), zap.String("from", device.Status))
	return nil
}
