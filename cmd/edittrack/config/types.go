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
	"os"
	"path/filepath"
	"time"
)

// EdittrackConfig is the content of edittrack.yaml.
type EdittrackConfig struct {
	// Tracking: stamping and stats behaviour
	Tracking TrackingConfig `yaml:"tracking"`

	// Settings: where the previously tracked sources are kept
	Settings SettingsConfig `yaml:"settings"`

	// Logging: console and file logs
	Logging LoggingConfig `yaml:"logging"`

	// UI: output style and prompting
	UI UIConfig `yaml:"ui"`

	// API: the HTTP surface of `edittrack watch`
	API APIConfig `yaml:"api"`

	// Telemetry: tracing and metric exporters
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type TrackingConfig struct {
	QuietInterval time.Duration `yaml:"quiet_interval" validate:"gte=0"` // stats debounce, e.g. 250ms
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"gte=0"` // file event debounce, e.g. 200ms
}

type SettingsConfig struct {
	Dir string `yaml:"dir" validate:"required"` // badger directory
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"` // empty disables the log file
	JSON  bool   `yaml:"json"`
}

type UIConfig struct {
	Personality    string `yaml:"personality,omitempty" validate:"omitempty,oneof=full standard minimal machine"`
	Prompt         string `yaml:"prompt" validate:"oneof=auto form line none"`
	NonInteractive bool   `yaml:"non_interactive"`
	AssumeYes      bool   `yaml:"assume_yes"`
}

type APIConfig struct {
	Listen        string `yaml:"listen" validate:"listenaddr"`               // e.g. 127.0.0.1:9464
	Token         string `yaml:"token,omitempty"`                            // bearer token for /v1; empty disables auth
	AuditCapacity int    `yaml:"audit_capacity" validate:"gte=0,lte=100000"` // events kept for GET /v1/audit
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
}

// Home returns ~/.edittrack, or .edittrack if the home directory is unknown.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".edittrack"
	}
	return filepath.Join(home, ".edittrack")
}

// DefaultPath returns ~/.edittrack/edittrack.yaml.
func DefaultPath() string {
	return filepath.Join(Home(), "edittrack.yaml")
}

func DefaultConfig() EdittrackConfig {
	return EdittrackConfig{
		Tracking: TrackingConfig{
			QuietInterval: 250 * time.Millisecond,
			WatchDebounce: 200 * time.Millisecond,
		},
		Settings: SettingsConfig{
			Dir: filepath.Join(Home(), "settings"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		UI: UIConfig{
			Prompt: "auto",
		},
		API: APIConfig{
			Listen:        "127.0.0.1:9464",
			AuditCapacity: 256,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
		},
	}
}
