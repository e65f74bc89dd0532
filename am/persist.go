package am

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
)

const maxBackups = 3

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	oldest := configPath + ".back" + strconv.Itoa(maxBackups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "file", oldest, "error", err)
	}

	// .back2 -> .back3, .back1 -> .back2
	for i := maxBackups - 1; i >= 1; i-- {
		from := configPath + ".back" + strconv.Itoa(i)
		to := configPath + ".back" + strconv.Itoa(i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return errors.Wrapf(err, "failed to rotate %s", from)
			}
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(configPath+".back1", content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

// PersistDefaults writes the [usedcss] defaults into configPath for every key
// that is not already set. Existing values are never overwritten. Returns
// whether the file was written.
func PersistDefaults(configPath string) (bool, error) {
	if configPath == "" {
		return false, errors.New("no config path to persist defaults to")
	}

	config := map[string]interface{}{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return false, errors.Wrapf(err, "failed to parse %s", configPath)
		}
	} else if !os.IsNotExist(err) {
		return false, errors.Wrapf(err, "failed to read %s", configPath)
	}

	section, _ := config["usedcss"].(map[string]interface{})
	if section == nil {
		section = map[string]interface{}{}
	}

	added := 0
	for key, value := range UsedCSSDefaults() {
		if _, ok := section[key]; !ok {
			section[key] = value
			added++
		}
	}
	if added == 0 {
		return false, nil
	}
	config["usedcss"] = section

	if err := writeConfig(configPath, config); err != nil {
		return false, err
	}
	logger.Infow("Persisted used CSS defaults", "path", configPath, "keys", added)
	return true, nil
}

// writeConfig backs up and rewrites configPath
func writeConfig(configPath string, config map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return nil
}
