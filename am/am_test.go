package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance, no user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "usedcss.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.GetServerPort())
	assert.Equal(t, 2, cfg.Pulse.Workers)
	assert.Equal(t, 25, cfg.Pulse.BatchSize)
	assert.False(t, cfg.UsedCSS.Enabled)
	assert.Equal(t, 3, cfg.UsedCSS.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.UsedCSS.PendingJobsInterval())
	assert.Equal(t, 30*24*time.Hour, cfg.UsedCSS.Retention())
	assert.Empty(t, cfg.UsedCSS.Safelist)
	assert.Empty(t, cfg.Purge.Endpoints)
	assert.Empty(t, cfg.Content.BaseURL)
	assert.Equal(t, DefaultContentPostPath, cfg.Content.PostPath)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[usedcss]
enabled = true
safelist = [".btn", "#nav"]
max_retries = 5

[compute]
base_url = "https://compute.example.com"
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.UsedCSS.Enabled)
	assert.Equal(t, []string{".btn", "#nav"}, cfg.UsedCSS.Safelist)
	assert.Equal(t, 5, cfg.UsedCSS.RetryLimit())
	assert.Equal(t, "https://compute.example.com", cfg.Compute.BaseURL)
	// untouched keys keep their defaults
	assert.Equal(t, 100, cfg.UsedCSS.PendingJobsBatch)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	zero := 0
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "zero workers is valid (runner disabled)", config: Config{Pulse: PulseConfig{Workers: 0}}},
		{name: "negative workers is invalid", config: Config{Pulse: PulseConfig{Workers: -1}}, wantErr: true},
		{name: "negative ticker interval is invalid", config: Config{Pulse: PulseConfig{TickerIntervalSeconds: -1}}, wantErr: true},
		{name: "zero port is invalid", config: Config{Server: ServerConfig{Port: &zero}}, wantErr: true},
		{name: "negative retries is invalid", config: Config{UsedCSS: UsedCSSConfig{MaxRetries: -1}}, wantErr: true},
		{
			name:    "enabled without compute url is invalid",
			config:  Config{UsedCSS: UsedCSSConfig{Enabled: true}},
			wantErr: true,
		},
		{
			name: "enabled with compute url is valid",
			config: Config{
				UsedCSS: UsedCSSConfig{Enabled: true},
				Compute: ComputeConfig{BaseURL: "https://compute.example.com"},
			},
		},
		{
			name:    "relative purge endpoint is invalid",
			config:  Config{Purge: PurgeConfig{Endpoints: []string{"/purge"}}},
			wantErr: true,
		},
		{
			name:    "relative content url is invalid",
			config:  Config{Content: ContentConfig{BaseURL: "site.example.org"}},
			wantErr: true,
		},
		{
			name:    "content path without id placeholder is invalid",
			config:  Config{Content: ContentConfig{BaseURL: "https://site.example.org", PostPath: "/posts"}},
			wantErr: true,
		},
		{
			name:   "content api is valid",
			config: Config{Content: ContentConfig{BaseURL: "https://site.example.org", PostPath: DefaultContentPostPath}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDurationFallbacks(t *testing.T) {
	var c UsedCSSConfig
	assert.Equal(t, DefaultPendingJobsInterval, c.PendingJobsInterval())
	assert.Equal(t, DefaultMaxRetries, c.RetryLimit())
	assert.Equal(t, DefaultClearTokenTTL, c.ClearTokenTTL())

	c.PendingJobsIntervalSeconds = 90
	assert.Equal(t, 90*time.Second, c.PendingJobsInterval())

	assert.Equal(t, time.Second, PulseConfig{}.TickerInterval())
	assert.Equal(t, 30*time.Second, ComputeConfig{}.RequestTimeout())
	assert.Equal(t, 10*time.Second, ContentConfig{}.Timeout())
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("walks up to am.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "site", "subdir")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "site", "am.toml"), []byte(""), DefaultFilePermissions))

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		require.NoError(t, os.Chdir(subDir))

		result := findProjectConfig()
		assert.Equal(t, "am.toml", filepath.Base(result))
		assert.True(t, filepath.IsAbs(result))
	})
}
