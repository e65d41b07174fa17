package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PIPEWATCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "client.base_url", typ: kString, env: "PIPEWATCH_CLIENT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.BaseURL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PIPEWATCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "poll.interval_ms", typ: kInt, env: "PIPEWATCH_POLL_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Poll.IntervalMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Poll.IntervalMs },
	},
	{
		key: "poll.max_failures", typ: kInt, env: "PIPEWATCH_POLL_MAX_FAILURES",
		apply:   func(cfg *Config, v any) { cfg.Poll.MaxFailures = v.(int) },
		extract: func(cfg Config) any { return cfg.Poll.MaxFailures },
	},
	{
		key: "pipeline.step_ms", typ: kInt, env: "PIPEWATCH_PIPELINE_STEP_MS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StepMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.StepMs },
	},
	{
		key: "log.level", typ: kString, env: "PIPEWATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
