package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestMain isolates tests from any sempervigil.yaml above the checkout.
// Initialize() walks up from CWD, so running tests inside a deployment
// directory would otherwise load that deployment's config.
func TestMain(m *testing.M) {
	tmp, err := os.MkdirTemp("", "sv-config-tests-*")
	if err != nil {
		os.Exit(1)
	}
	oldWD, _ := os.Getwd()
	_ = os.Chdir(tmp)
	ResetForTesting()

	code := m.Run()

	ResetForTesting()
	_ = os.Chdir(oldWD)
	_ = os.RemoveAll(tmp)
	os.Exit(code)
}

func TestInitialize(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if v == nil {
		t.Fatal("viper instance is nil after Initialize()")
	}
}

func TestDefaults(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"data-dir", "data", func(k string) interface{} { return GetString(k) }},
		{"db", "", func(k string) interface{} { return GetString(k) }},
		{"log-level", "info", func(k string) interface{} { return GetString(k) }},
		{"log-json", false, func(k string) interface{} { return GetBool(k) }},
		{"json", false, func(k string) interface{} { return GetBool(k) }},
		{"worker.count", 4, func(k string) interface{} { return GetInt(k) }},
		{"worker.shutdown-grace", 30 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{"nvd.api-key", "", func(k string) interface{} { return GetString(k) }},
		{"otel.enabled", false, func(k string) interface{} { return GetBool(k) }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := tt.getter(tt.key); got != tt.expected {
				t.Errorf("get %q = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestEnvironmentBinding(t *testing.T) {
	tests := []struct {
		envVar   string
		key      string
		value    string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"SV_DATA_DIR", "data-dir", "/srv/vigil", "/srv/vigil", func(k string) interface{} { return GetString(k) }},
		{"SV_LOG_LEVEL", "log-level", "debug", "debug", func(k string) interface{} { return GetString(k) }},
		{"SV_LOG_JSON", "log-json", "true", true, func(k string) interface{} { return GetBool(k) }},
		{"SV_WORKER_COUNT", "worker.count", "8", 8, func(k string) interface{} { return GetInt(k) }},
		{"SV_NVD_API_KEY", "nvd.api-key", "key-123", "key-123", func(k string) interface{} { return GetString(k) }},
	}
	for _, tt := range tests {
		t.Run(tt.envVar, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)
			if err := Initialize(); err != nil {
				t.Fatalf("Initialize() returned error: %v", err)
			}
			if got := tt.getter(tt.key); got != tt.expected {
				t.Errorf("get %q with %s=%s = %v, want %v", tt.key, tt.envVar, tt.value, got, tt.expected)
			}
		})
	}
}

func TestConfigFileDiscovery(t *testing.T) {
	dir := t.TempDir()
	content := "data-dir: /srv/vigil-data\nlog-level: warn\nworker:\n    count: 2\n"
	if err := os.WriteFile(filepath.Join(dir, "sempervigil.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	nested := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(nested, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	oldWD, _ := os.Getwd()
	defer func() { _ = os.Chdir(oldWD) }()
	// Discovery must walk up from a nested working directory.
	if err := os.Chdir(nested); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	if got := GetString("data-dir"); got != "/srv/vigil-data" {
		t.Errorf("data-dir = %q, want /srv/vigil-data", got)
	}
	if got := GetString("log-level"); got != "warn" {
		t.Errorf("log-level = %q, want warn", got)
	}
	if got := GetInt("worker.count"); got != 2 {
		t.Errorf("worker.count = %d, want 2", got)
	}
}

func TestExplicitConfigPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("log-level: error\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SV_CONFIG", path)
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if got := GetString("log-level"); got != "error" {
		t.Errorf("log-level = %q, want error", got)
	}

	// A missing explicit path must fail loudly, not fall back silently.
	t.Setenv("SV_CONFIG", filepath.Join(dir, "missing.yaml"))
	if err := Initialize(); err == nil {
		t.Error("expected error for missing explicit config path")
	}
	// Leave a good instance behind for other tests.
	t.Setenv("SV_CONFIG", "")
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
}

func TestPathHelpers(t *testing.T) {
	t.Setenv("SV_DATA_DIR", "/srv/vigil")
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	if got := DBPath(); got != filepath.Join("/srv/vigil", "sempervigil.db") {
		t.Errorf("DBPath() = %q", got)
	}
	if got := SiteDir(); got != filepath.Join("/srv/vigil", "site") {
		t.Errorf("SiteDir() = %q", got)
	}

	// Explicit overrides win over derivation.
	Set("db", "/elsewhere/sv.db")
	Set("site-dir", "/var/www/site")
	if got := DBPath(); got != "/elsewhere/sv.db" {
		t.Errorf("DBPath() override = %q", got)
	}
	if got := SiteDir(); got != "/var/www/site" {
		t.Errorf("SiteDir() override = %q", got)
	}
}

func TestNilSafeGetters(t *testing.T) {
	saved := v
	defer func() { v = saved }()
	ResetForTesting()

	if got := GetString("data-dir"); got != "" {
		t.Errorf("GetString with nil viper = %q, want \"\"", got)
	}
	if got := GetBool("log-json"); got != false {
		t.Errorf("GetBool with nil viper = %v, want false", got)
	}
	if got := GetInt("worker.count"); got != 0 {
		t.Errorf("GetInt with nil viper = %d, want 0", got)
	}
	if got := GetDuration("worker.shutdown-grace"); got != 0 {
		t.Errorf("GetDuration with nil viper = %v, want 0", got)
	}
	if got := GetStringSlice("tags"); len(got) != 0 {
		t.Errorf("GetStringSlice with nil viper = %v, want empty", got)
	}
	if got := AllSettings(); len(got) != 0 {
		t.Errorf("AllSettings with nil viper = %v, want empty map", got)
	}
	// DBPath still derives something sensible before Initialize.
	if got := DBPath(); got != filepath.Join("data", "sempervigil.db") {
		t.Errorf("DBPath with nil viper = %q", got)
	}
}
