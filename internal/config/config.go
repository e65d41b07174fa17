package config

import "time"

type Config struct {
	Server   ServerConfig
	Client   ClientConfig
	Storage  StorageConfig
	Poll     PollConfig
	Pipeline PipelineConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type ClientConfig struct {
	// BaseURL overrides the derived local server URL; leave empty to
	// target the local reference server.
	BaseURL string
}

type StorageConfig struct {
	DataDir string
}

type PollConfig struct {
	IntervalMs  int
	MaxFailures int
}

type PipelineConfig struct {
	// StepMs is how long the reference server keeps a session in each
	// pipeline state before advancing it.
	StepMs int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Poll: PollConfig{
			IntervalMs:  3000,
			MaxFailures: 3,
		},
		Pipeline: PipelineConfig{
			StepMs: 5000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// PollInterval returns the polling cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMs) * time.Millisecond
}

// PipelineStep returns the reference server step dwell as a duration.
func (c Config) PipelineStep() time.Duration {
	return time.Duration(c.Pipeline.StepMs) * time.Millisecond
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/pipewatch/config.json, then applies PIPEWATCH_*
// environment variable overrides.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}
