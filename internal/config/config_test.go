package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memBackend is a test double for the file backend.
type memBackend struct {
	data map[string]any
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]any)}
}

func (b *memBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (b *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	return v.(int), true, nil
}

func (b *memBackend) SetString(key, val string) error {
	b.data[key] = val
	return nil
}

func (b *memBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return nil
}

func (b *memBackend) Delete(key string) error {
	delete(b.data, key)
	return nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Client.BaseURL != "" {
		t.Errorf("Client.BaseURL = %q, want empty", cfg.Client.BaseURL)
	}
	if cfg.Poll.IntervalMs != 3000 {
		t.Errorf("Poll.IntervalMs = %d, want 3000", cfg.Poll.IntervalMs)
	}
	if cfg.Poll.MaxFailures != 3 {
		t.Errorf("Poll.MaxFailures = %d, want 3", cfg.Poll.MaxFailures)
	}
	if cfg.Pipeline.StepMs != 5000 {
		t.Errorf("Pipeline.StepMs = %d, want 5000", cfg.Pipeline.StepMs)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaults()
	if got := cfg.PollInterval(); got != 3*time.Second {
		t.Errorf("PollInterval() = %v, want 3s", got)
	}
	if got := cfg.PipelineStep(); got != 5*time.Second {
		t.Errorf("PipelineStep() = %v, want 5s", got)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := newMemBackend()
	b.data["server.port"] = 5000
	b.data["client.base_url"] = "http://remote:9000"
	b.data["storage.data_dir"] = "/tmp/pipewatch-test"
	b.data["poll.interval_ms"] = 1000
	b.data["poll.max_failures"] = 5
	b.data["pipeline.step_ms"] = 100
	b.data["log.level"] = "debug"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Client.BaseURL != "http://remote:9000" {
		t.Errorf("Client.BaseURL = %q", cfg.Client.BaseURL)
	}
	if cfg.Storage.DataDir != "/tmp/pipewatch-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Poll.IntervalMs != 1000 {
		t.Errorf("Poll.IntervalMs = %d, want 1000", cfg.Poll.IntervalMs)
	}
	if cfg.Poll.MaxFailures != 5 {
		t.Errorf("Poll.MaxFailures = %d, want 5", cfg.Poll.MaxFailures)
	}
	if cfg.Pipeline.StepMs != 100 {
		t.Errorf("Pipeline.StepMs = %d, want 100", cfg.Pipeline.StepMs)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)

	b := newMemBackend()
	b.data["server.port"] = 5000
	b.data["log.level"] = "debug"

	t.Setenv("PIPEWATCH_SERVER_PORT", "6000")
	t.Setenv("PIPEWATCH_LOG_LEVEL", "warn")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000 from env", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q from env", cfg.Log.Level, "warn")
	}
}

func TestEnvOverrideBadInt(t *testing.T) {
	clearEnv(t)

	t.Setenv("PIPEWATCH_POLL_INTERVAL_MS", "not-a-number")

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Poll.IntervalMs != 3000 {
		t.Errorf("Poll.IntervalMs = %d, want default 3000 on bad env value", cfg.Poll.IntervalMs)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	b := &fileBackend{path: path, data: make(map[string]any)}
	if err := b.SetInt("server.port", 7000); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("log.level", "error"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	reloaded := &fileBackend{path: path, data: make(map[string]any)}
	reloaded.load()

	port, ok, err := reloaded.GetInt("server.port")
	if err != nil || !ok || port != 7000 {
		t.Errorf("GetInt = (%d, %v, %v), want (7000, true, nil)", port, ok, err)
	}
	level, ok, err := reloaded.GetString("log.level")
	if err != nil || !ok || level != "error" {
		t.Errorf("GetString = (%q, %v, %v), want (%q, true, nil)", level, ok, err, "error")
	}
}

func TestFileBackendMissingFile(t *testing.T) {
	b := &fileBackend{
		path: filepath.Join(t.TempDir(), "does-not-exist.json"),
		data: make(map[string]any),
	}
	b.load()

	_, ok, err := b.GetString("log.level")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no value from missing config file")
	}
}

func TestShowAllCoversEveryKey(t *testing.T) {
	cfg := defaults()
	infos := ShowAll(cfg)

	if len(infos) != len(specs) {
		t.Fatalf("ShowAll returned %d entries, want %d", len(infos), len(specs))
	}
	for _, info := range infos {
		if info.Key == "" || info.EnvVar == "" {
			t.Errorf("incomplete key info: %+v", info)
		}
		if !strings.HasPrefix(info.EnvVar, "PIPEWATCH_") {
			t.Errorf("env var %q missing PIPEWATCH_ prefix", info.EnvVar)
		}
	}
}

func TestGetAPIToken(t *testing.T) {
	dir := t.TempDir()

	token, err := GetAPIToken(dir)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}

	again, err := GetAPIToken(dir)
	if err != nil {
		t.Fatalf("GetAPIToken second call: %v", err)
	}
	if again != token {
		t.Error("token changed between calls")
	}

	data, err := os.ReadFile(filepath.Join(dir, "api_token"))
	if err != nil {
		t.Fatalf("reading token file: %v", err)
	}
	if strings.TrimSpace(string(data)) != token {
		t.Error("persisted token does not match returned token")
	}
}
