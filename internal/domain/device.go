package domain

import "time"

// Device canonical status values. The wire vocabulary pushed by the gateway
// uses the same strings; anything outside this set maps to StatusError.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusPairing      = "pairing"
	StatusConnected    = "connected"
	StatusError        = "error"
	StatusTimeout      = "timeout"
	StatusAuthFailure  = "auth_failure"
	StatusBanned       = "banned"
	StatusLogout       = "logout"
)

// IsTerminalStatus reports whether a status cannot self-heal. Only an
// explicit reset command re-opens a device in a terminal status.
func IsTerminalStatus(status string) bool {
	return status == StatusBanned || status == StatusAuthFailure
}

// Device is the canonical record of a messaging endpoint/session managed
// against the external gateway.
type Device struct {
	ID            int64      `json:"id,string" gorm:"primaryKey"`
	OprID         int64      `json:"opr_id,string" gorm:"index"` // owning operator
	Name          string     `json:"name" form:"name"`
	Phone         string     `json:"phone" gorm:"index" form:"phone"`
	Status        string     `json:"status" gorm:"index;default:'disconnected'"`
	RawStatus     string     `json:"raw_status"` // verbatim gateway string
	GatewayUserID string     `json:"gateway_user_id"`
	DisplayName   string     `json:"display_name"`
	QrCode        string     `json:"qr_code" gorm:"type:text"`
	QrExpiresAt   *time.Time `json:"qr_expires_at"`
	SessionData   string     `json:"-" gorm:"type:text"` // opaque gateway session blob
	LastSeen      *time.Time `json:"last_seen"`
	ConnectedAt   *time.Time `json:"connected_at"`
	IsOnline      bool       `json:"is_online"`
	RetryCount    int        `json:"retry_count" gorm:"default:0"`
	Remark        string     `json:"remark" form:"remark"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" gorm:"index"`
}

// TableName Specify table name
func (Device) TableName() string {
	return "devices"
}

// DeviceStatusLog is the transition audit trail. One row per applied status
// change, including the verbatim gateway status that caused it.
type DeviceStatusLog struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	DeviceID   int64     `json:"device_id,string" gorm:"index"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	RawStatus  string    `json:"raw_status"`
	Source     string    `json:"source"` // webhook, command, reset
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// TableName Specify table name
func (DeviceStatusLog) TableName() string {
	return "device_status_log"
}
