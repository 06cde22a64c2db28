package domain

import "time"

// SysScheduler scheduler task data model for managing housekeeping jobs.
// The tasks themselves are opportunistic and replaceable; the table is the
// operator-visible contract.
type SysScheduler struct {
	ID          int64     `json:"id,string" form:"id"`
	Name        string    `json:"name" form:"name"`
	TaskType    string    `json:"task_type" form:"task_type"` // gateway_latency, qr_sweep, webhook_cleanup, auto_reconnect
	Interval    int       `json:"interval" form:"interval"`   // seconds
	Status      string    `json:"status" form:"status"`       // enabled/disabled
	LastRunAt   time.Time `json:"last_run_at"`
	NextRunAt   time.Time `json:"next_run_at"`
	LastResult  string    `json:"last_result" form:"last_result"`   // success/failed
	LastMessage string    `json:"last_message" form:"last_message"` // last execution message or error
	Config      string    `json:"config" form:"config"`             // JSON for task-specific settings
	Remark      string    `json:"remark" form:"remark"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName Specify table name
func (SysScheduler) TableName() string {
	return "sys_scheduler"
}
