package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Command types accepted by the dispatcher.
const (
	CommandConnect    = "connect"
	CommandDisconnect = "disconnect"
	CommandRestart    = "restart"
	CommandReset      = "reset"
)

// Command lifecycle statuses. A command becomes `processing` when the
// gateway synchronously accepts it; completion or failure is confirmed
// later by a command_result webhook.
const (
	CommandPending    = "pending"
	CommandProcessing = "processing"
	CommandCompleted  = "completed"
	CommandFailed     = "failed"
)

// ValidCommandType reports whether t is a known command type.
func ValidCommandType(t string) bool {
	switch t {
	case CommandConnect, CommandDisconnect, CommandRestart, CommandReset:
		return true
	}
	return false
}

// Command is an issued instruction to change a device's connection state.
// At most one pending/processing command exists per device at any time; the
// partial unique index on device_id backs that guarantee under concurrent
// writers.
type Command struct {
	ID          int64          `json:"id,string" gorm:"primaryKey"`
	DeviceID    int64          `json:"device_id,string" gorm:"index;uniqueIndex:uix_command_inflight,where:status = 'pending' OR status = 'processing'"`
	Type        string         `json:"type" gorm:"index"`
	Payload     datatypes.JSON `json:"payload"`
	Status      string         `json:"status" gorm:"index;default:'pending'"`
	Response    datatypes.JSON `json:"response"`
	Issuer      string         `json:"issuer"` // operator username, api token id, or "system"
	CreatedAt   time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at"`
}

// TableName keeps the legacy table name for schema compatibility with the
// node-based gateway deployments.
func (Command) TableName() string {
	return "nodejs_commands"
}
