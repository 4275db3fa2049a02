package app

import (
	"errors"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/batasku/erpgate/internal/erpnext"
)

// Config holds runtime configuration for the gateway.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`

	ERPNextURL       string        `envconfig:"ERPNEXT_URL" default:"http://localhost:8000"`
	ERPAPIKey        string        `envconfig:"ERP_API_KEY"`
	ERPAPISecret     string        `envconfig:"ERP_API_SECRET"`
	ERPLookupTimeout time.Duration `envconfig:"ERP_LOOKUP_TIMEOUT" default:"5s"`
	// ERPServiceUser is recorded as action_by on audit entries without a user.
	ERPServiceUser string `envconfig:"ERP_SERVICE_USER" default:"Administrator"`

	PeriodOverrideRoles   []string `envconfig:"PERIOD_OVERRIDE_ROLES" default:"System Manager,Accounts Manager"`
	PeriodOverrideFromERP bool     `envconfig:"PERIOD_OVERRIDE_FROM_ERP" default:"false"`

	RedisAddr         string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	AuditQueueEnabled bool   `envconfig:"AUDIT_QUEUE_ENABLED" default:"true"`
	WorkerMetricsAddr string `envconfig:"WORKER_METRICS_ADDR" default:":9091"`

	// PGDSN enables the local audit mirror when set.
	PGDSN string `envconfig:"PG_DSN"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"60"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ERPNextURL) == "" {
		return errors.New("erpnext url must be provided")
	}
	if (c.ERPAPIKey == "") != (c.ERPAPISecret == "") {
		return errors.New("erp api key and secret must be provided together")
	}
	if c.ERPLookupTimeout <= 0 {
		return errors.New("erp lookup timeout must be positive")
	}
	if strings.TrimSpace(c.ERPServiceUser) == "" {
		return errors.New("erp service user must be provided")
	}
	if c.RateLimitPerMinute <= 0 {
		return errors.New("rate limit must be positive")
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// ServiceCredentials returns the gateway's own API credentials. The session
// token is always empty; it belongs to the inbound request.
func (c *Config) ServiceCredentials() erpnext.Credentials {
	if c == nil {
		return erpnext.Credentials{}
	}
	return erpnext.Credentials{APIKey: c.ERPAPIKey, APISecret: c.ERPAPISecret}
}

// OverrideRoles returns the configured override-capable roles without blanks.
func (c *Config) OverrideRoles() []string {
	if c == nil {
		return nil
	}
	roles := make([]string, 0, len(c.PeriodOverrideRoles))
	for _, role := range c.PeriodOverrideRoles {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}
