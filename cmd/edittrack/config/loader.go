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
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EDITTRACK_"

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("listenaddr", validateListenAddr)
}

// validateListenAddr accepts "" (API disabled) or a host:port pair.
func validateListenAddr(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	if addr == "" {
		return true
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

// Load reads the config at path, creating it with defaults on first run.
//
// Description:
//
//	An empty path means DefaultPath. Values missing from the file keep
//	their defaults. EDITTRACK_* variables override the file, then "~" in
//	directories is expanded and the result is validated.
//
// Outputs:
//
//	EdittrackConfig - The effective configuration.
//	error - Read, parse or validation failure.
func Load(path string) (EdittrackConfig, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return EdittrackConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return EdittrackConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies the environment and
// validates.
func Parse(data []byte) (EdittrackConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EdittrackConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return EdittrackConfig{}, err
	}
	cfg.Settings.Dir = expandHome(cfg.Settings.Dir)
	cfg.Logging.Dir = expandHome(cfg.Logging.Dir)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := Validate(cfg); err != nil {
		return EdittrackConfig{}, err
	}
	return cfg, nil
}

// Validate checks cfg against its validate tags.
func Validate(cfg EdittrackConfig) error {
	if err := configValidate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyEnv(cfg *EdittrackConfig) error {
	strs := map[string]*string{
		"SETTINGS_DIR":    &cfg.Settings.Dir,
		"LOG_LEVEL":       &cfg.Logging.Level,
		"LOG_DIR":         &cfg.Logging.Dir,
		"PROMPT":          &cfg.UI.Prompt,
		"LISTEN":          &cfg.API.Listen,
		"API_TOKEN":       &cfg.API.Token,
		"TRACE_EXPORTER":  &cfg.Telemetry.TraceExporter,
		"METRIC_EXPORTER": &cfg.Telemetry.MetricExporter,
		"OTLP_ENDPOINT":   &cfg.Telemetry.OTLPEndpoint,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"LOG_JSON":        &cfg.Logging.JSON,
		"NON_INTERACTIVE": &cfg.UI.NonInteractive,
		"ASSUME_YES":      &cfg.UI.AssumeYes,
	}
	for name, dst := range bools {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
	}

	durations := map[string]*time.Duration{
		"QUIET_INTERVAL": &cfg.Tracking.QuietInterval,
		"WATCH_DEBOUNCE": &cfg.Tracking.WatchDebounce,
	}
	for name, dst := range durations {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
