package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "usedcss.db")

	// Pulse (scheduled action runner) defaults
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.ticker_interval_seconds", 1)
	v.SetDefault("pulse.batch_size", 25)
	v.SetDefault("pulse.finished_retention_hours", 720)

	for key, value := range UsedCSSDefaults() {
		v.SetDefault("usedcss."+key, value)
	}

	v.SetDefault("compute.base_url", "https://saas.example.com")
	v.SetDefault("compute.request_timeout_seconds", 30)
	v.SetDefault("compute.requests_per_second", 5.0)
	v.SetDefault("compute.burst", 5)
	v.SetDefault("compute.allow_private", false)

	v.SetDefault("purge.endpoints", []string{})
	v.SetDefault("purge.timeout_seconds", 10)

	v.SetDefault("content.base_url", "")
	v.SetDefault("content.post_path", DefaultContentPostPath)
	v.SetDefault("content.term_path", DefaultContentTermPath)
	v.SetDefault("content.timeout_seconds", 10)
	v.SetDefault("content.allow_private", false)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.admins", []string{})
}

// UsedCSSDefaults returns the [usedcss] section written on first activation.
func UsedCSSDefaults() map[string]interface{} {
	return map[string]interface{}{
		"enabled":                       false,
		"safelist":                      []string{},
		"max_retries":                   DefaultMaxRetries,
		"pending_jobs_interval_seconds": int(DefaultPendingJobsInterval.Seconds()),
		"pending_jobs_batch":            DefaultPendingJobsBatch,
		"retention_days":                DefaultRetentionDays,
		"resources_retention_days":      DefaultRetentionDays,
		"fail_fast_on_client_error":     false,
		"clear_token_ttl_seconds":       int(DefaultClearTokenTTL.Seconds()),
	}
}

// BindSensitiveEnvVars explicitly binds credentials to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("compute.email", "USEDCSS_COMPUTE_EMAIL")
	v.BindEnv("compute.api_key", "USEDCSS_COMPUTE_API_KEY")
	v.BindEnv("database.path", "USEDCSS_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "usedcss.db"
	}
	return c.Database.Path
}

// GetServerPort returns server.port or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, UsedCSS: {Enabled: %t}, Pulse: {Workers: %d}}",
		c.Database.Path, c.UsedCSS.Enabled, c.Pulse.Workers)
}
