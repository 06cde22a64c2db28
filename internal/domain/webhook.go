package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Gateway webhook event types. The set is closed; anything else is
// persisted as a failed event and dropped.
const (
	EventDeviceStatusChange = "device_status_change"
	EventQrUpdate           = "qr_update"
	EventMessageCount       = "message_count"
	EventDeviceInfoUpdate   = "device_info_update"
	EventCommandResult      = "command_result"
)

// KnownEventType reports whether t belongs to the closed event set.
func KnownEventType(t string) bool {
	switch t {
	case EventDeviceStatusChange, EventQrUpdate, EventMessageCount,
		EventDeviceInfoUpdate, EventCommandResult:
		return true
	}
	return false
}

// WebhookEvent records every gateway callback delivery, successful or not.
// ExternalEventID is the gateway-supplied event id when present and is used
// for duplicate suppression together with (device_id, type).
type WebhookEvent struct {
	ID              int64          `json:"id,string" gorm:"primaryKey"`
	DeviceID        *int64         `json:"device_id,string" gorm:"index"`
	Type            string         `json:"type" gorm:"index"`
	ExternalEventID string         `json:"external_event_id" gorm:"index;size:191"`
	Payload         datatypes.JSON `json:"payload"`
	ResponseCode    int            `json:"response_code"`
	Success         bool           `json:"success" gorm:"index"`
	ErrorMessage    string         `json:"error_message"`
	ExecutionTime   int64          `json:"execution_time"` // milliseconds
	CreatedAt       time.Time      `json:"created_at" gorm:"index"`
}

// TableName keeps the legacy table name for schema compatibility.
func (WebhookEvent) TableName() string {
	return "webhook_logs"
}
