package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/leolilley/kiwi/internal/config"
	"github.com/leolilley/kiwi/internal/executor"
	"github.com/leolilley/kiwi/internal/lockfile"
	"github.com/leolilley/kiwi/internal/payload"
	"github.com/leolilley/kiwi/internal/registry"
	"github.com/leolilley/kiwi/internal/signature"
	"github.com/leolilley/kiwi/internal/userconfig"
)

// buildExecutor wires the executor facade from the resolved directories
// and user configuration. Registry URL priority: environment override,
// then config.toml, then the built-in default.
func buildExecutor() (*executor.Executor, *userconfig.Config, error) {
	cfg, err := config.DefaultConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, err
	}

	ucfg, err := userconfig.Load()
	if err != nil {
		return nil, nil, err
	}

	url := os.Getenv(config.EnvRegistryURL)
	if url == "" {
		url = ucfg.Registry
	}
	client := registry.NewClient(url,
		registry.WithCache(registry.NewCache(cfg.RegistryDir)))

	projectRoot, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}

	exec := executor.New(client,
		executor.WithLockfileManager(lockfile.NewManager(projectRoot, cfg.UserLockfileRoot())),
		executor.WithKeyCache(signature.NewKeyCache(cfg.KeysDir)),
		executor.WithStager(payload.NewStager(cfg.ToolsDir, client)),
		executor.WithRegistryURL(client.BaseURL),
	)
	return exec, ucfg, nil
}

// parseParams converts k=v pairs into a params map. Values that parse as
// JSON keep their type; everything else stays a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}

// splitToolRef splits "tool[@version]".
func splitToolRef(ref string) (string, string) {
	toolID, version, _ := strings.Cut(ref, "@")
	return toolID, version
}

// printJSON renders v as indented JSON on stdout.
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
