// Package config loads SemperVigil's process configuration and the
// database-backed runtime settings.
//
// There are two layers with different lifetimes:
//
//   - Process config (this file): paths, logging, credentials. Read once at
//     startup from sempervigil.yaml plus SV_* environment variables.
//     Changing it requires a restart.
//   - Runtime config (runtime.go): tuning knobs stored in the database and
//     re-read as a snapshot at the start of every job, so `sv config set`
//     takes effect without restarting workers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// v is the package viper singleton. All getters are nil-safe so callers
// that run before Initialize (or in tests that reset it) see zero values
// instead of panics.
var v *viper.Viper

// Initialize builds the viper instance: defaults, SV_* environment
// bindings, and the config file if one is found. Safe to call more than
// once; each call rebuilds the instance from scratch.
func Initialize() error {
	nv := viper.New()
	setDefaults(nv)

	nv.SetEnvPrefix("SV")
	nv.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	nv.AutomaticEnv()

	// An explicit SV_CONFIG path must load or the process should not
	// start; a discovered file gets the same treatment since the user
	// clearly intended it to apply.
	if path := os.Getenv("SV_CONFIG"); path != "" {
		nv.SetConfigFile(path)
		if err := nv.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	} else if path, ok := findProjectConfigFile(); ok {
		nv.SetConfigFile(path)
		if err := nv.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v = nv
	return nil
}

func setDefaults(nv *viper.Viper) {
	nv.SetDefault("data-dir", "data")
	nv.SetDefault("db", "")       // empty: <data-dir>/sempervigil.db
	nv.SetDefault("site-dir", "") // empty: <data-dir>/site
	nv.SetDefault("log-level", "info")
	nv.SetDefault("log-json", false)
	nv.SetDefault("log-file", "") // empty: stderr only
	nv.SetDefault("json", false)
	nv.SetDefault("worker.count", 4)
	nv.SetDefault("worker.shutdown-grace", 30*time.Second)
	nv.SetDefault("nvd.api-key", "")
	nv.SetDefault("llm.master-key", "")
	nv.SetDefault("llm.master-key-id", "v1")
	nv.SetDefault("otel.enabled", false)
}

// findProjectConfigFile walks up from the working directory looking for
// sempervigil.yaml, so subcommands behave the same from any subdirectory
// of a deployment.
func findProjectConfigFile() (string, bool) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		path := filepath.Join(dir, "sempervigil.yaml")
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// DataDir returns the root directory for all persisted state.
func DataDir() string {
	dir := GetString("data-dir")
	if dir == "" {
		dir = "data"
	}
	return dir
}

// DBPath returns the database file path: the explicit `db` setting when
// set, otherwise sempervigil.db inside the data dir.
func DBPath() string {
	if path := GetString("db"); path != "" {
		return path
	}
	return filepath.Join(DataDir(), "sempervigil.db")
}

// SiteDir returns the site output root: the explicit `site-dir` setting
// when set, otherwise site/ inside the data dir.
func SiteDir() string {
	if dir := GetString("site-dir"); dir != "" {
		return dir
	}
	return filepath.Join(DataDir(), "site")
}

// Set overrides a config value in the live instance. Used by command flag
// binding, where a passed flag must win over file and environment.
func Set(key string, value interface{}) {
	if v == nil {
		return
	}
	v.Set(key, value)
}

// GetString returns the string value for key, or "" before Initialize.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns the bool value for key, or false before Initialize.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns the int value for key, or 0 before Initialize.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration returns the duration value for key, or 0 before Initialize.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice returns the slice value for key, or an empty slice before
// Initialize.
func GetStringSlice(key string) []string {
	if v == nil {
		return []string{}
	}
	return v.GetStringSlice(key)
}

// AllSettings returns every resolved setting, or an empty map before
// Initialize.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// ResetForTesting clears the singleton so tests can exercise
// pre-Initialize behavior.
func ResetForTesting() {
	v = nil
}
