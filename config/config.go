package config

import (
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v2"
)

type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Secret string `yaml:"secret" json:"secret"` // JWT signing secret for admin sessions
}

type DBConfig struct {
	Type    string `yaml:"type" json:"type"` // postgres or sqlite
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	Name    string `yaml:"name" json:"name"`
	User    string `yaml:"user" json:"user"`
	Passwd  string `yaml:"passwd" json:"passwd"`
	MaxConn int    `yaml:"max_conn" json:"max_conn"`
	Debug   bool   `yaml:"debug" json:"debug"`
}

type LoggerConfig struct {
	Mode       string `yaml:"mode" json:"mode"` // development or production
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// GatewayConfig locates the external messaging gateway. Timeout bounds every
// bridge call; HealthCacheTTL bounds how long a health verdict is reused.
type GatewayConfig struct {
	URL            string        `yaml:"url" json:"url"`
	WebhookSecret  string        `yaml:"webhook_secret" json:"webhook_secret"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	HealthCacheTTL time.Duration `yaml:"health_cache_ttl" json:"health_cache_ttl"`
}

type AlertConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	SmtpHost string `yaml:"smtp_host" json:"smtp_host"`
	SmtpPort int    `yaml:"smtp_port" json:"smtp_port"`
	SmtpUser string `yaml:"smtp_user" json:"smtp_user"`
	SmtpPass string `yaml:"smtp_pass" json:"smtp_pass"`
	From     string `yaml:"from" json:"from"`
	To       string `yaml:"to" json:"to"` // comma separated recipients
}

type AppConfig struct {
	System   SysConfig     `yaml:"system" json:"system"`
	Web      WebConfig     `yaml:"web" json:"web"`
	Database DBConfig      `yaml:"database" json:"database"`
	Logger   LoggerConfig  `yaml:"logger" json:"logger"`
	Gateway  GatewayConfig `yaml:"gateway" json:"gateway"`
	Alert    AlertConfig   `yaml:"alert" json:"alert"`
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "ChatGate",
		Location: "Asia/Shanghai",
		Workdir:  "/var/chatgate",
		Debug:    true,
	},
	Web: WebConfig{
		Host:   "0.0.0.0",
		Port:   1816,
		Secret: "9b6de5cc-chatgate-1816-demo-secret",
	},
	Database: DBConfig{
		Type:    "postgres",
		Host:    "127.0.0.1",
		Port:    5432,
		Name:    "chatgate_v1",
		User:    "postgres",
		Passwd:  "root",
		MaxConn: 100,
	},
	Logger: LoggerConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/chatgate/chatgate.log",
	},
	Gateway: GatewayConfig{
		URL:            "http://127.0.0.1:3000",
		WebhookSecret:  "",
		Timeout:        5 * time.Second,
		HealthCacheTTL: 2 * time.Second,
	},
	Alert: AlertConfig{
		Enabled:  false,
		SmtpPort: 25,
	},
}

func setEnvValue(name string, val *string) {
	evalue := os.Getenv(name)
	if evalue != "" {
		*val = evalue
	}
}

func setEnvBoolValue(name string, val *bool) {
	evalue := os.Getenv(name)
	if evalue != "" {
		*val = evalue == "true" || evalue == "1" || evalue == "on"
	}
}

func setEnvIntValue(name string, val *int) {
	evalue := os.Getenv(name)
	if evalue != "" {
		*val = cast.ToInt(evalue)
	}
}

// LoadConfig reads the YAML configuration file and applies environment
// overrides. A missing file yields the default configuration.
func LoadConfig(cfile string) *AppConfig {
	appconfig := DefaultAppConfig
	if cfile != "" {
		if _, err := os.Stat(cfile); err == nil {
			data, err := os.ReadFile(cfile)
			if err == nil {
				appconfig = new(AppConfig)
				if err := yaml.Unmarshal(data, appconfig); err != nil {
					panic(err)
				}
			}
		}
	}

	setEnvValue("CHATGATE_SYSTEM_WORKDIR", &appconfig.System.Workdir)
	setEnvBoolValue("CHATGATE_SYSTEM_DEBUG", &appconfig.System.Debug)

	setEnvValue("CHATGATE_WEB_HOST", &appconfig.Web.Host)
	setEnvValue("CHATGATE_WEB_SECRET", &appconfig.Web.Secret)
	setEnvIntValue("CHATGATE_WEB_PORT", &appconfig.Web.Port)

	setEnvValue("CHATGATE_DB_TYPE", &appconfig.Database.Type)
	setEnvValue("CHATGATE_DB_HOST", &appconfig.Database.Host)
	setEnvIntValue("CHATGATE_DB_PORT", &appconfig.Database.Port)
	setEnvValue("CHATGATE_DB_NAME", &appconfig.Database.Name)
	setEnvValue("CHATGATE_DB_USER", &appconfig.Database.User)
	setEnvValue("CHATGATE_DB_PWD", &appconfig.Database.Passwd)

	setEnvValue("CHATGATE_GATEWAY_URL", &appconfig.Gateway.URL)
	setEnvValue("CHATGATE_GATEWAY_WEBHOOK_SECRET", &appconfig.Gateway.WebhookSecret)

	if appconfig.Gateway.Timeout <= 0 {
		appconfig.Gateway.Timeout = 5 * time.Second
	}
	if appconfig.Gateway.HealthCacheTTL <= 0 {
		appconfig.Gateway.HealthCacheTTL = 2 * time.Second
	}

	return appconfig
}
