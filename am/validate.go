package am

import (
	"net/url"
	"strings"

	"github.com/teranos/usedcss/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port != nil && *c.Server.Port <= 0 {
		return errors.Newf("server.port must be positive, got %d (omit for default port %d)", *c.Server.Port, DefaultServerPort)
	}

	// Pulse workers: 0 = runner disabled, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.BatchSize < 0 {
		return errors.Newf("pulse.batch_size must be >= 0, got %d", c.Pulse.BatchSize)
	}

	if c.UsedCSS.MaxRetries < 0 {
		return errors.Newf("usedcss.max_retries must be >= 0, got %d", c.UsedCSS.MaxRetries)
	}
	if c.UsedCSS.PendingJobsIntervalSeconds < 0 {
		return errors.Newf("usedcss.pending_jobs_interval_seconds must be >= 0, got %d", c.UsedCSS.PendingJobsIntervalSeconds)
	}
	if c.UsedCSS.RetentionDays < 0 || c.UsedCSS.ResourcesRetentionDays < 0 {
		return errors.New("usedcss retention days must be >= 0")
	}

	// The compute service is only required once the pipeline is switched on
	if c.UsedCSS.Enabled {
		if c.Compute.BaseURL == "" {
			return errors.WithHint(
				errors.New("compute.base_url cannot be empty when usedcss.enabled is true"),
				"set compute.base_url in am.toml or USEDCSS_COMPUTE_BASE_URL")
		}
		if u, err := url.Parse(c.Compute.BaseURL); err != nil || u.Host == "" {
			return errors.Newf("compute.base_url is not an absolute URL: %q", c.Compute.BaseURL)
		}
	}
	if c.Compute.RequestsPerSecond < 0 {
		return errors.Newf("compute.requests_per_second must be >= 0, got %f", c.Compute.RequestsPerSecond)
	}

	for _, endpoint := range c.Purge.Endpoints {
		if u, err := url.Parse(endpoint); err != nil || u.Host == "" {
			return errors.Newf("purge.endpoints entry is not an absolute URL: %q", endpoint)
		}
	}

	if c.Content.BaseURL != "" {
		if u, err := url.Parse(c.Content.BaseURL); err != nil || u.Host == "" {
			return errors.Newf("content.base_url is not an absolute URL: %q", c.Content.BaseURL)
		}
		for key, path := range map[string]string{"content.post_path": c.Content.PostPath, "content.term_path": c.Content.TermPath} {
			if path != "" && !strings.Contains(path, ContentIDPlaceholder) {
				return errors.WithHint(
					errors.Newf("%s must contain %s, got %q", key, ContentIDPlaceholder, path),
					"e.g. "+DefaultContentPostPath)
			}
		}
	}

	return nil
}
