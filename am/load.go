package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/usedcss/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	cfg, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path on top of the defaults
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", configPath)
	}
	return cfg, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix("USEDCSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)

	// system -> user -> project, env vars win over all of them
	mergeConfigFiles(v, configPaths())

	viperInstance = v
	return v
}

// UserConfigPath returns ~/.usedcss/am.toml
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".usedcss", "am.toml")
}

func configPaths() []string {
	paths := []string{"/etc/usedcss/am.toml"}
	if user := UserConfigPath(); user != "" {
		paths = append(paths, user)
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}
	return paths
}

// ActiveConfigPath returns the highest-precedence config file that exists,
// which is the one the watcher follows.
func ActiveConfigPath() string {
	paths := configPaths()
	for i := len(paths) - 1; i >= 0; i-- {
		if _, err := os.Stat(paths[i]); err == nil {
			return paths[i]
		}
	}
	return ""
}

// findProjectConfig searches for am.toml by walking up the directory tree
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges configuration files in the given precedence order (lowest first)
func mergeConfigFiles(v *viper.Viper, paths []string) {
	for _, configPath := range paths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		tempViper := viper.New()
		tempViper.SetConfigFile(configPath)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}
		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
	}
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.GetDatabasePath(), nil
}
