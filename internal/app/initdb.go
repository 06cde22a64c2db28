package app

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/pkg/common"
)

func (a *Application) checkSuper() {
	const superUsername = "admin"
	const defaultPassword = "chatgate"

	hashedPassword := common.HashPassword(defaultPassword, common.GetSecretSalt())

	var operator domain.SysOpr
	err := a.gormDB.Where("username = ?", superUsername).First(&operator).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := a.gormDB.Create(&domain.SysOpr{
			ID:        common.UUIDint64(),
			Realname:  "administrator",
			Mobile:    "0000",
			Email:     "N/A",
			Username:  superUsername,
			Password:  hashedPassword,
			Level:     "super",
			Status:    common.ENABLED,
			Remark:    "super",
			LastLogin: time.Now(),
		}).Error; err != nil {
			zap.L().Error("failed to create default super admin", zap.Error(err))
		} else {
			zap.L().Info("initialized default super admin account", zap.String("username", superUsername))
		}
		return
	case err != nil:
		zap.L().Error("failed to query super admin", zap.Error(err))
		return
	}

	resetPassword := strings.TrimSpace(operator.Password) == ""
	resetLevel := !strings.EqualFold(operator.Level, "super")
	resetStatus := !strings.EqualFold(operator.Status, common.ENABLED)

	if !resetPassword && !resetLevel && !resetStatus {
		return
	}

	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if resetPassword {
		updates["password"] = hashedPassword
	}
	if resetLevel {
		updates["level"] = "super"
	}
	if resetStatus {
		updates["status"] = common.ENABLED
	}

	if err := a.gormDB.Model(&domain.SysOpr{}).Where("id = ?", operator.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to repair super admin account", zap.Error(err))
		return
	}

	zap.L().Warn("repaired default super admin account",
		zap.String("username", superUsername),
		zap.Bool("passwordReset", resetPassword),
		zap.Bool("levelReset", resetLevel),
		zap.Bool("statusEnabled", resetStatus))
}

type configSchema struct {
	Key         string
	Default     string
	Description string
}

// defaultConfigSchemas seeds the sys_config table. Values here are the
// operational defaults; operators override them from the dashboard.
var defaultConfigSchemas = []configSchema{
	{Key: "system.SystemTitle", Default: "ChatGate", Description: "Dashboard title"},
	{Key: "device.MaxConnectRetries", Default: "5", Description: "Automatic reconnect attempts before a device requires manual retry"},
	{Key: "device.QrCodeTTL", Default: "300", Description: "Pairing code lifetime in seconds"},
	{Key: "device.CommandMaxAge", Default: "600", Description: "Seconds before an unresolved command is failed"},
	{Key: "webhook.AllowedNetworks", Default: "", Description: "Comma separated CIDR allowlist for gateway callbacks, empty disables the filter"},
	{Key: "webhook.HistoryDays", Default: "90", Description: "Webhook log retention in days"},
	{Key: "scheduler.max_workers", Default: "25", Description: "Worker cap for scheduler fan-out tasks"},
}

func (a *Application) checkSettings() {
	// Iterate over all configuration definitions, checking and initializing missing entries
	for sortid, schema := range defaultConfigSchemas {
		parts := strings.SplitN(schema.Key, ".", 2)
		if len(parts) != 2 {
			zap.L().Warn("invalid config key format", zap.String("key", schema.Key))
			continue
		}

		category := parts[0]
		name := parts[1]

		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Count(&count)

		if count == 0 {
			a.gormDB.Create(&domain.SysConfig{
				Sort:   sortid,
				Type:   category,
				Name:   name,
				Value:  schema.Default,
				Remark: schema.Description,
			})
			zap.L().Info("initialized config",
				zap.String("key", schema.Key),
				zap.String("default", schema.Default))
		}
	}
}

// checkSchedulers initializes default scheduled tasks
func (a *Application) checkSchedulers() {
	defaultSchedulers := []domain.SysScheduler{
		{
			Name:     "Gateway Latency Check",
			TaskType: "gateway_latency",
			Interval: 300, // 5 minutes
			Status:   "enabled",
			Remark:   "Periodically measures gateway reachability and latency",
		},
		{
			Name:     "QR Code Sweep",
			TaskType: "qr_sweep",
			Interval: 60,
			Status:   "enabled",
			Remark:   "Clears expired pairing codes",
		},
		{
			Name:     "Webhook Log Cleanup",
			TaskType: "webhook_cleanup",
			Interval: 86400, // daily
			Status:   "enabled",
			Remark:   "Removes webhook logs past the retention window",
		},
		{
			Name:     "Auto Reconnect",
			TaskType: "auto_reconnect",
			Interval: 120,
			Status:   "disabled",
			Remark:   "Issues connect commands for dropped devices within the retry budget",
		},
	}

	for _, sched := range defaultSchedulers {
		var count int64
		a.gormDB.Model(&domain.SysScheduler{}).
			Where("task_type = ?", sched.TaskType).
			Count(&count)

		if count == 0 {
			sched.ID = common.UUIDint64()
			sched.NextRunAt = time.Now().Add(time.Duration(sched.Interval) * time.Second)
			if err := a.gormDB.Create(&sched).Error; err != nil {
				zap.L().Error("failed to create default scheduler",
					zap.String("name", sched.Name),
					zap.Error(err))
			} else {
				zap.L().Info("initialized default scheduler",
					zap.String("name", sched.Name),
					zap.String("task_type", sched.TaskType))
			}
		}
	}
}
