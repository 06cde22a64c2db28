package domain

import "time"

// ApiToken authorizes external API callers to act on exactly one device.
// Token validity is authentication; the device binding is the authorization
// boundary.
type ApiToken struct {
	ID         int64      `json:"id,string" gorm:"primaryKey"`
	DeviceID   int64      `json:"device_id,string" gorm:"index"`
	Token      string     `json:"token" gorm:"uniqueIndex;size:191"`
	Name       string     `json:"name"`
	Active     bool       `json:"active" gorm:"default:true"`
	UsageCount int64      `json:"usage_count" gorm:"default:0"`
	LastUsed   *time.Time `json:"last_used"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (ApiToken) TableName() string {
	return "api_tokens"
}
