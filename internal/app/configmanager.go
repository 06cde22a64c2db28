package app

import (
	"sync"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/chatgate-io/chatgate/internal/domain"
)

// configCacheTTL bounds how stale a cached setting may be. Settings change
// rarely; a minute of lag is acceptable everywhere they are read.
const configCacheTTL = time.Minute

type cachedValue struct {
	value    string
	loadedAt time.Time
}

// ConfigManager reads runtime settings from the sys_config table with a
// small read-through cache. It satisfies dispatch.Settings.
type ConfigManager struct {
	app   *Application
	mu    sync.RWMutex
	cache map[string]cachedValue
}

func NewConfigManager(app *Application) *ConfigManager {
	return &ConfigManager{app: app, cache: make(map[string]cachedValue)}
}

// GetString returns the setting value, or "" when it does not exist.
func (c *ConfigManager) GetString(category, name string) string {
	key := category + "." + name
	c.mu.RLock()
	if cv, ok := c.cache[key]; ok && time.Since(cv.loadedAt) < configCacheTTL {
		c.mu.RUnlock()
		return cv.value
	}
	c.mu.RUnlock()

	var cfg domain.SysConfig
	err := c.app.gormDB.Where("type = ? and name = ?", category, name).First(&cfg).Error
	if err != nil {
		return ""
	}

	c.mu.Lock()
	c.cache[key] = cachedValue{value: cfg.Value, loadedAt: time.Now()}
	c.mu.Unlock()
	return cfg.Value
}

func (c *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(c.GetString(category, name))
}

func (c *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(c.GetString(category, name))
}

func (c *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(c.GetString(category, name))
}

// GetStringValue implements dispatch.Settings.
func (c *ConfigManager) GetStringValue(category, name string) string {
	return c.GetString(category, name)
}

// Set writes the setting and refreshes the cache entry.
func (c *ConfigManager) Set(category, name, value string) error {
	var cfg domain.SysConfig
	err := c.app.gormDB.Where("type = ? and name = ?", category, name).First(&cfg).Error
	if err != nil {
		cfg = domain.SysConfig{Type: category, Name: name, Value: value}
		err = c.app.gormDB.Create(&cfg).Error
	} else {
		err = c.app.gormDB.Model(&domain.SysConfig{}).
			Where("id = ?", cfg.ID).Update("value", value).Error
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cache[category+"."+name] = cachedValue{value: value, loadedAt: time.Now()}
	c.mu.Unlock()
	zap.L().Info("setting updated",
		zap.String("category", category),
		zap.String("name", name))
	return nil
}

// Invalidate drops the whole cache, used after bulk imports.
func (c *ConfigManager) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[string]cachedValue)
	c.mu.Unlock()
}
