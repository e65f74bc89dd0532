package am

import "time"

// Config represents the used-CSS service configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	UsedCSS  UsedCSSConfig  `mapstructure:"usedcss"`
	Compute  ComputeConfig  `mapstructure:"compute"`
	Purge    PurgeConfig    `mapstructure:"purge"`
	Content  ContentConfig  `mapstructure:"content"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the admin and webhook HTTP server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// Admins are the principals allowed to clear used CSS over the admin API
	Admins []string `mapstructure:"admins"`
}

// DefaultServerPort is used when server.port is omitted
const DefaultServerPort = 8787

// PulseConfig configures the scheduled action runner
type PulseConfig struct {
	Workers                int `mapstructure:"workers"`                  // Actions run in parallel per tick (default: 2)
	TickerIntervalSeconds  int `mapstructure:"ticker_interval_seconds"`  // How often due actions are claimed (default: 1)
	BatchSize              int `mapstructure:"batch_size"`               // Actions claimed per tick (default: 25)
	FinishedRetentionHours int `mapstructure:"finished_retention_hours"` // Finished actions kept for search (default: 720)
}

// UsedCSSConfig gates and tunes the used-CSS pipeline. It is passed to each
// component at construction instead of being read from global state.
type UsedCSSConfig struct {
	Enabled                    bool     `mapstructure:"enabled"`
	Safelist                   []string `mapstructure:"safelist"`
	MaxRetries                 int      `mapstructure:"max_retries"`
	PendingJobsIntervalSeconds int      `mapstructure:"pending_jobs_interval_seconds"`
	PendingJobsBatch           int      `mapstructure:"pending_jobs_batch"`
	RetentionDays              int      `mapstructure:"retention_days"`
	ResourcesRetentionDays     int      `mapstructure:"resources_retention_days"`
	// FailFastOnClientError escalates 4xx answers (except 408 and 429) straight to failed.
	FailFastOnClientError bool `mapstructure:"fail_fast_on_client_error"`
	ClearTokenTTLSeconds  int  `mapstructure:"clear_token_ttl_seconds"`
}

// ComputeConfig configures the external compute service
type ComputeConfig struct {
	BaseURL               string  `mapstructure:"base_url"`
	Email                 string  `mapstructure:"email"`
	APIKey                string  `mapstructure:"api_key"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds"`
	RequestsPerSecond     float64 `mapstructure:"requests_per_second"` // 0 = unlimited
	Burst                 int     `mapstructure:"burst"`
	AllowPrivate          bool    `mapstructure:"allow_private"` // allow compute hosts on private networks
}

// PurgeConfig configures cache purge endpoints
type PurgeConfig struct {
	Endpoints      []string `mapstructure:"endpoints"` // empty = purging disabled
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// ContentConfig locates the site's content API, which maps the post and term
// ids sent to the content webhooks onto public URLs. With no base_url the
// webhooks must carry the page url themselves.
type ContentConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	PostPath       string `mapstructure:"post_path"` // {id} is replaced by the post id
	TermPath       string `mapstructure:"term_path"` // {id} is replaced by the term id
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	AllowPrivate   bool   `mapstructure:"allow_private"`
}

// Content API defaults
const (
	DefaultContentPostPath = "/wp-json/wp/v2/posts/{id}"
	DefaultContentTermPath = "/wp-json/wp/v2/categories/{id}"
	ContentIDPlaceholder   = "{id}"
)

// Used-CSS defaults
const (
	DefaultMaxRetries          = 3
	DefaultPendingJobsInterval = 5 * time.Minute
	MinPendingJobsInterval     = time.Minute
	DefaultPendingJobsBatch    = 100
	DefaultRetentionDays       = 30
	DefaultClearTokenTTL       = 24 * time.Hour
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// PendingJobsInterval returns the dispatch interval, falling back to the default.
func (c UsedCSSConfig) PendingJobsInterval() time.Duration {
	if c.PendingJobsIntervalSeconds <= 0 {
		return DefaultPendingJobsInterval
	}
	return time.Duration(c.PendingJobsIntervalSeconds) * time.Second
}

// Retention returns how long completed and failed records are kept.
func (c UsedCSSConfig) Retention() time.Duration {
	return days(c.RetentionDays)
}

// ResourcesRetention returns how long resource rows are kept.
func (c UsedCSSConfig) ResourcesRetention() time.Duration {
	return days(c.ResourcesRetentionDays)
}

// RetryLimit returns max_retries, falling back to the default.
func (c UsedCSSConfig) RetryLimit() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// ClearTokenTTL returns how long an admin clear token stays valid.
func (c UsedCSSConfig) ClearTokenTTL() time.Duration {
	if c.ClearTokenTTLSeconds <= 0 {
		return DefaultClearTokenTTL
	}
	return time.Duration(c.ClearTokenTTLSeconds) * time.Second
}

// RequestTimeout returns the compute request timeout.
func (c ComputeConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Timeout returns the content API request timeout.
func (c ContentConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TickerInterval returns the runner tick period.
func (c PulseConfig) TickerInterval() time.Duration {
	if c.TickerIntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.TickerIntervalSeconds) * time.Second
}

// FinishedRetention returns how long finished actions are kept.
func (c PulseConfig) FinishedRetention() time.Duration {
	return time.Duration(c.FinishedRetentionHours) * time.Hour
}

func days(n int) time.Duration {
	if n <= 0 {
		n = DefaultRetentionDays
	}
	return time.Duration(n) * 24 * time.Hour
}
