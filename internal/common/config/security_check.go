package config

import (
	"strings"

	"go.uber.org/zap"
)

// DefaultPasswordPepper is the development pepper. Production deployments must override it.
const DefaultPasswordPepper = "openidx-development-pepper"

// ProductionWarnings lists insecure defaults still present in the configuration.
func (c *Config) ProductionWarnings() []string {
	var warnings []string
	if c.PasswordPepper == DefaultPasswordPepper || c.PasswordPepper == "" {
		warnings = append(warnings, "password_pepper is using the development default")
	}
	if strings.Contains(c.DatabaseURL, "sslmode=disable") {
		warnings = append(warnings, "database_url disables TLS (sslmode=disable)")
	}
	if strings.Contains(c.RedisURL, "redis_secret") {
		warnings = append(warnings, "redis_url is using the development password")
	}
	if c.Store == StoreMemory {
		warnings = append(warnings, "store is memory; directory data is lost on restart")
	}
	return warnings
}

// LogSecurityWarnings logs actionable security warnings when running in
// production with insecure defaults. Call this at service startup after
// configuration is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()

	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has insecure configuration",
			zap.Int("warning_count", len(warnings)))
	}
}
