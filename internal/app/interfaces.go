package app

import (
	evbus "github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/chatgate-io/chatgate/config"
	"github.com/chatgate-io/chatgate/internal/devices"
	"github.com/chatgate-io/chatgate/internal/dispatch"
	"github.com/chatgate-io/chatgate/internal/gateway"
	"github.com/chatgate-io/chatgate/internal/tokens"
	"github.com/chatgate-io/chatgate/internal/webhook"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SettingsProvider provides system settings access
type SettingsProvider interface {
	GetSettingsStringValue(category, key string) string
	GetSettingsInt64Value(category, key string) int64
	GetSettingsBoolValue(category, key string) bool
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// ConfigManagerProvider provides configuration manager access
type ConfigManagerProvider interface {
	ConfigMgr() *ConfigManager
}

// OrchestrationProvider exposes the device orchestration services to the
// API layer.
type OrchestrationProvider interface {
	Bus() evbus.Bus
	Gateway() gateway.Bridge
	DeviceService() *devices.Service
	QRManager() *devices.QRManager
	Dispatcher() *dispatch.Dispatcher
	Ingestor() *webhook.Ingestor
	TokenGuard() *tokens.Guard
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SettingsProvider
	SchedulerProvider
	ConfigManagerProvider
	OrchestrationProvider

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
	DropAll()
	// RunSchedulerNow triggers a scheduler execution immediately by ID
	RunSchedulerNow(id int64) error
}
