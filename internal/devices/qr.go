package devices

import (
	"context"
	"time"

	"github.com/chatgate-io/chatgate/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultQRTTL applies when no runtime setting overrides it. Pairing codes
// have a short shelf life by nature; this is an operational constant, not a
// tuned value.
const DefaultQRTTL = 300 * time.Second

// QRManager issues and validates time-boxed pairing codes. Expiry is checked
// lazily on read; a scheduled sweep may clear stale rows but is not part of
// the contract.
type QRManager struct {
	db  *gorm.DB
	now func() time.Time
}

// NewQRManager creates a QR lifecycle manager.
func NewQRManager(db *gorm.DB) *QRManager {
	return &QRManager{db: db, now: time.Now}
}

// Issue stores a fresh pairing code with the given TTL and moves the device
// to pairing unless it is already connected. Devices in a terminal status
// are left untouched; only a reset brings them back into the flow.
func (m *QRManager) Issue(ctx context.Context, deviceID int64, qr string, ttl time.Duration) error {
	if qr == "" {
		return domain.ErrValidation
	}
	if ttl <= 0 {
		ttl = DefaultQRTTL
	}
	expires := m.now().Add(ttl)

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device domain.Device
		if err := tx.First(&device, deviceID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return domain.ErrNotFound
			}
			return err
		}

		// banned and auth_failure devices stay closed until an explicit
		// reset; a late qr_update must not re-open them via pairing
		if domain.IsTerminalStatus(device.Status) {
			zap.L().Info("pairing code ignored for terminal device",
				zap.Int64("device_id", deviceID),
				zap.String("status", device.Status))
			return nil
		}

		updates := map[string]interface{}{
			"qr_code":       qr,
			"qr_expires_at": expires,
		}
		if device.Status != domain.StatusConnected {
			updates["status"] = domain.StatusPairing
			updates["raw_status"] = domain.StatusPairing
		}
		if err := tx.Model(&domain.Device{}).Where("id = ?", deviceID).Updates(updates).Error; err != nil {
			return err
		}
		zap.L().Info("pairing code issued",
			zap.Int64("device_id", deviceID),
			zap.Time("expires_at", expires))
		return nil
	})
}

// IsValid reports whether the device currently holds a usable pairing code:
// status is pairing and the deadline has not passed.
func (m *QRManager) IsValid(ctx context.Context, deviceID int64) (bool, error) {
	var device domain.Device
	if err := m.db.WithContext(ctx).First(&device, deviceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, domain.ErrNotFound
		}
		return false, err
	}
	return deviceQRValid(&device, m.now()), nil
}

// Current returns the pairing code when it is still valid. An expired code
// is cleared opportunistically on this read path; only a new connect command
// produces a new one.
func (m *QRManager) Current(ctx context.Context, deviceID int64) (string, bool, error) {
	var device domain.Device
	if err := m.db.WithContext(ctx).First(&device, deviceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, domain.ErrNotFound
		}
		return "", false, err
	}
	if deviceQRValid(&device, m.now()) {
		return device.QrCode, true, nil
	}
	if device.QrCode != "" {
		if err := m.db.WithContext(ctx).
			Model(&domain.Device{}).
			Where("id = ?", deviceID).
			Updates(map[string]interface{}{"qr_code": "", "qr_expires_at": nil}).Error; err != nil {
			zap.L().Warn("failed to clear expired pairing code",
				zap.Int64("device_id", deviceID), zap.Error(err))
		}
	}
	return "", false, nil
}

func deviceQRValid(device *domain.Device, now time.Time) bool {
	if device.Status != domain.StatusPairing || device.QrCode == "" || device.QrExpiresAt == nil {
		return false
	}
	return now.Before(*device.QrExpiresAt)
}
