package main

import (
	"fmt"

	"github.com/pipewatch/pipewatch/internal/client"
	"github.com/pipewatch/pipewatch/internal/config"
)

// newAPIClient builds a client against the configured server. Overridable
// so command tests can point it at an httptest server.
var newAPIClient = func() (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.GetAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	baseURL := cfg.Client.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}

	return client.New(baseURL, token), nil
}
