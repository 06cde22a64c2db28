// Package tokens authenticates external API callers and enforces the
// one-token-one-device binding.
package tokens

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/pkg/common"
)

type Guard struct {
	db *gorm.DB
}

func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db}
}

// Issue mints a new token bound to the given device.
func (g *Guard) Issue(ctx context.Context, deviceID int64, name string) (*domain.ApiToken, error) {
	var count int64
	if err := g.db.WithContext(ctx).Model(&domain.Device{}).
		Where("id = ?", deviceID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, errors.Wrapf(domain.ErrNotFound, "device %d", deviceID)
	}
	tok := &domain.ApiToken{
		ID:       common.UUIDint64(),
		DeviceID: deviceID,
		Token:    uuid.NewString(),
		Name:     name,
		Active:   true,
	}
	if err := g.db.WithContext(ctx).Create(tok).Error; err != nil {
		return nil, err
	}
	return tok, nil
}

// Validate authenticates a bearer token. Usage accounting rides on the
// same statement so a revoked token can never record a use.
func (g *Guard) Validate(ctx context.Context, token string) (*domain.ApiToken, error) {
	if token == "" {
		return nil, errors.Wrap(domain.ErrUnauthorized, "missing token")
	}
	now := time.Now()
	ret := g.db.WithContext(ctx).Model(&domain.ApiToken{}).
		Where("token = ? and active = ?", token, true).
		Updates(map[string]interface{}{
			"usage_count": gorm.Expr("usage_count + 1"),
			"last_used":   now,
		})
	if ret.Error != nil {
		return nil, ret.Error
	}
	if ret.RowsAffected == 0 {
		return nil, errors.Wrap(domain.ErrUnauthorized, "unknown or revoked token")
	}
	var tok domain.ApiToken
	if err := g.db.WithContext(ctx).Where("token = ?", token).First(&tok).Error; err != nil {
		return nil, err
	}
	return &tok, nil
}

// Authorize checks the device binding of an authenticated token. A valid
// token for device A presented against device B is an authorization
// failure, not an authentication one.
func (g *Guard) Authorize(tok *domain.ApiToken, deviceID int64) error {
	if tok == nil {
		return errors.Wrap(domain.ErrUnauthorized, "no token")
	}
	if tok.DeviceID != deviceID {
		return errors.Wrapf(domain.ErrUnauthorized,
			"token %s is not bound to device %d", tok.Name, deviceID)
	}
	return nil
}

// Revoke deactivates a token without deleting its usage history.
func (g *Guard) Revoke(ctx context.Context, id int64) error {
	ret := g.db.WithContext(ctx).Model(&domain.ApiToken{}).
		Where("id = ?", id).Update("active", false)
	if ret.Error != nil {
		return ret.Error
	}
	if ret.RowsAffected == 0 {
		return errors.Wrapf(domain.ErrNotFound, "token %d", id)
	}
	return nil
}
