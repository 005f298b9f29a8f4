// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var cfgValidate *validator.Validate

func init() {
	cfgValidate = validator.New()
}

// DefaultPath resolves the config file location. PROOF_CONFIG wins;
// otherwise ~/.aleutianproof/proof.yaml.
func DefaultPath() string {
	if p := os.Getenv("PROOF_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".aleutianproof", "proof.yaml")
	}
	return filepath.Join(home, ".aleutianproof", "proof.yaml")
}

// Load reads the config at path, creating it from defaults on first
// run. An empty path means DefaultPath. Values omitted from the file
// keep their defaults, and PROOF_TENANT_ID / PROOF_DATA_DIR override
// the file.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	// create it if it doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("first run detected, creating the config", "path", path)
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the field and cross-field constraints, including the
// boundary ordering legitimate < suspicious < escalated and the
// precision band fatal < min.
func (c Config) Validate() error {
	if err := cfgValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PROOF_TENANT_ID"); v != "" {
		cfg.TenantID = v
	}
	if v := os.Getenv("PROOF_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %s: %w", dir, err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
