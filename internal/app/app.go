package app

import (
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
	_ "time/tzdata"

	evbus "github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/chatgate-io/chatgate/config"
	"github.com/chatgate-io/chatgate/internal/alerting"
	"github.com/chatgate-io/chatgate/internal/devices"
	"github.com/chatgate-io/chatgate/internal/dispatch"
	"github.com/chatgate-io/chatgate/internal/domain"
	"github.com/chatgate-io/chatgate/internal/gateway"
	"github.com/chatgate-io/chatgate/internal/tokens"
	"github.com/chatgate-io/chatgate/internal/webhook"
	"github.com/chatgate-io/chatgate/pkg/metrics"
)

type Application struct {
	appConfig     *config.AppConfig
	gormDB        *gorm.DB
	sched         *cron.Cron
	configManager *ConfigManager

	bus           evbus.Bus
	gatewayClient gateway.Bridge
	deviceService *devices.Service
	qrManager     *devices.QRManager
	dispatcher    *dispatch.Dispatcher
	ingestor      *webhook.Ingestor
	tokenGuard    *tokens.Guard
	alertService  *alerting.Service
}

// Ensure Application implements all interfaces
var (
	_ DBProvider            = (*Application)(nil)
	_ ConfigProvider        = (*Application)(nil)
	_ SettingsProvider      = (*Application)(nil)
	_ SchedulerProvider     = (*Application)(nil)
	_ ConfigManagerProvider = (*Application)(nil)
	_ OrchestrationProvider = (*Application)(nil)
	_ AppContext            = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) Init(cfg *config.AppConfig) {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	a.initLogger(cfg)

	_ = os.MkdirAll(filepath.Join(cfg.System.Workdir, "data"), 0o755)

	if err := metrics.InitMetrics(cfg.System.Workdir); err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	a.gormDB = getDatabase(cfg.Database, cfg.System.Workdir)
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	// wait for database initialization to complete
	go func() {
		time.Sleep(3 * time.Second)
		a.checkSuper()
		a.checkSettings()
		a.checkSchedulers()
	}()

	a.configManager = NewConfigManager(a)

	a.initOrchestration(cfg)
	a.initJob()
}

func (a *Application) initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)
}

// initOrchestration wires the device orchestration services: gateway
// bridge, device registry, command dispatcher, webhook ingestor, token
// guard and alerting.
func (a *Application) initOrchestration(cfg *config.AppConfig) {
	a.bus = evbus.New()

	a.gatewayClient = gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Timeout, cfg.Gateway.HealthCacheTTL)

	repo := devices.NewGormDeviceRepository(a.gormDB)
	a.deviceService = devices.NewService(a.gormDB, repo, a.bus)
	a.qrManager = devices.NewQRManager(a.gormDB)

	policy := dispatch.NewRetryPolicy(a.configManager, a.bus)
	a.dispatcher = dispatch.NewDispatcher(a.gormDB, a.deviceService, a.gatewayClient, policy)

	a.ingestor = webhook.NewIngestor(a.gormDB, a.deviceService, a.qrManager,
		a.dispatcher, cfg.Gateway.WebhookSecret)
	if allowlist := a.GetSettingsStringValue("webhook", "AllowedNetworks"); allowlist != "" {
		if err := a.ingestor.SetAllowlist(splitComma(allowlist)); err != nil {
			zap.L().Warn("invalid webhook allowlist setting", zap.Error(err))
		}
	}

	a.tokenGuard = tokens.NewGuard(a.gormDB)

	alertService, err := alerting.NewService(cfg.Alert, a.bus)
	if err != nil {
		zap.L().Error("alerting init failed", zap.Error(err))
		return
	}
	if err := alertService.Start(); err != nil {
		zap.L().Error("alerting subscribe failed", zap.Error(err))
		return
	}
	a.alertService = alertService
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEBUG_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if track {
		if err := a.gormDB.Debug().Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	} else {
		if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	}
	return nil
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

func (a *Application) InitDb() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
	err := a.gormDB.Migrator().AutoMigrate(domain.Tables...)
	if err != nil {
		zap.S().Error(err)
	}
}

// ConfigMgr returns the configuration manager
func (a *Application) ConfigMgr() *ConfigManager {
	return a.configManager
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Bus() evbus.Bus {
	return a.bus
}

func (a *Application) Gateway() gateway.Bridge {
	return a.gatewayClient
}

func (a *Application) DeviceService() *devices.Service {
	return a.deviceService
}

func (a *Application) QRManager() *devices.QRManager {
	return a.qrManager
}

func (a *Application) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

func (a *Application) Ingestor() *webhook.Ingestor {
	return a.ingestor
}

func (a *Application) TokenGuard() *tokens.Guard {
	return a.tokenGuard
}

// GetSettingsStringValue retrieves a string configuration value
func (a *Application) GetSettingsStringValue(category, key string) string {
	if a.configManager == nil {
		return ""
	}
	return a.configManager.GetString(category, key)
}

// GetSettingsInt64Value retrieves an int64 configuration value
func (a *Application) GetSettingsInt64Value(category, key string) int64 {
	if a.configManager == nil {
		return 0
	}
	return a.configManager.GetInt64(category, key)
}

// GetSettingsBoolValue retrieves a boolean configuration value
func (a *Application) GetSettingsBoolValue(category, key string) bool {
	if a.configManager == nil {
		return false
	}
	return a.configManager.GetBool(category, key)
}

// Start scheduler job runner
func (a *Application) StartBackgroundJobs(ctx context.Context) {
	a.StartSchedulerService(ctx)
}

func splitComma(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.alertService != nil {
		a.alertService.Stop()
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
}
