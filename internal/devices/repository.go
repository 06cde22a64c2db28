package devices

import (
	"context"
	"time"

	"github.com/chatgate-io/chatgate/internal/domain"
	"gorm.io/gorm"
)

// Repository handles database operations for device records
type Repository interface {
	// Create inserts a new device record
	Create(ctx context.Context, device *domain.Device) error

	// Update saves an existing device record
	Update(ctx context.Context, device *domain.Device) error

	// GetByID retrieves a device by ID
	GetByID(ctx context.Context, id int64) (*domain.Device, error)

	// GetByPhone retrieves a device by phone number
	GetByPhone(ctx context.Context, phone string) (*domain.Device, error)

	// List retrieves devices with pagination
	List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.Device, int64, error)

	// Delete removes a device and everything referencing it. This is an
	// explicit operator action, never automatic cleanup.
	Delete(ctx context.Context, id int64) error

	// IncrementRetry bumps the connect retry counter
	IncrementRetry(ctx context.Context, id int64) error

	// ResetRetry zeroes the connect retry counter
	ResetRetry(ctx context.Context, id int64) error

	// ReconnectCandidates lists devices eligible for an automatic reconnect
	// attempt: recoverable failure status and retry budget remaining.
	ReconnectCandidates(ctx context.Context, threshold, limit int) ([]*domain.Device, error)

	// ExpireQRCodes clears QR fields on devices whose code passed its
	// deadline. Validity is still decided lazily on read; the sweep only
	// keeps rows tidy.
	ExpireQRCodes(ctx context.Context, now time.Time) (int64, error)

	// LogTransition appends a status transition audit row
	LogTransition(ctx context.Context, entry *domain.DeviceStatusLog) error
}

// GormDeviceRepository is the GORM implementation of Repository
type GormDeviceRepository struct {
	DB *gorm.DB
}

// NewGormDeviceRepository creates a new GORM-based repository
func NewGormDeviceRepository(db *gorm.DB) *GormDeviceRepository {
	return &GormDeviceRepository{DB: db}
}

func (r *GormDeviceRepository) Create(ctx context.Context, device *domain.Device) error {
	return r.DB.WithContext(ctx).Create(device).Error
}

func (r *GormDeviceRepository) Update(ctx context.Context, device *domain.Device) error {
	return r.DB.WithContext(ctx).Save(device).Error
}

func (r *GormDeviceRepository) GetByID(ctx context.Context, id int64) (*domain.Device, error) {
	var device domain.Device
	err := r.DB.WithContext(ctx).First(&device, id).Error
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *GormDeviceRepository) GetByPhone(ctx context.Context, phone string) (*domain.Device, error) {
	var device domain.Device
	err := r.DB.WithContext(ctx).Where("phone = ?", phone).First(&device).Error
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *GormDeviceRepository) List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.Device, int64, error) {
	var devices []*domain.Device
	var total int64

	query := r.DB.WithContext(ctx).Model(&domain.Device{})
	for key, value := range filter {
		if value != nil && value != "" {
			query = query.Where(key+" = ?", value)
		}
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Order("id DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&devices).Error

	return devices, total, err
}

func (r *GormDeviceRepository) Delete(ctx context.Context, id int64) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", id).Delete(&domain.Command{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", id).Delete(&domain.WebhookEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", id).Delete(&domain.ApiToken{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", id).Delete(&domain.DeviceStatusLog{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Device{}, id).Error
	})
}

func (r *GormDeviceRepository) IncrementRetry(ctx context.Context, id int64) error {
	return r.DB.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *GormDeviceRepository) ResetRetry(ctx context.Context, id int64) error {
	return r.DB.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", id).
		Update("retry_count", 0).Error
}

func (r *GormDeviceRepository) ReconnectCandidates(ctx context.Context, threshold, limit int) ([]*domain.Device, error) {
	var devices []*domain.Device
	err := r.DB.WithContext(ctx).
		Where("status IN ?", []string{domain.StatusError, domain.StatusTimeout, domain.StatusDisconnected}).
		Where("retry_count < ?", threshold).
		Order("updated_at ASC").
		Limit(limit).
		Find(&devices).Error
	return devices, err
}

func (r *GormDeviceRepository) ExpireQRCodes(ctx context.Context, now time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).
		Model(&domain.Device{}).
		Where("qr_code <> '' AND qr_expires_at IS NOT NULL AND qr_expires_at < ?", now).
		Updates(map[string]interface{}{"qr_code": "", "qr_expires_at": nil})
	return res.RowsAffected, res.Error
}

func (r *GormDeviceRepository) LogTransition(ctx context.Context, entry *domain.DeviceStatusLog) error {
	return r.DB.WithContext(ctx).Create(entry).Error
}
