// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" Warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFromSlog(t *testing.T) {
	if levelFromSlog(slog.LevelDebug-4) != LevelDebug {
		t.Error("levels below debug should map to LevelDebug")
	}
	if levelFromSlog(slog.LevelWarn+1) != LevelWarn {
		t.Error("levels between warn and error should map to LevelWarn")
	}
	if levelFromSlog(slog.LevelError+4) != LevelError {
		t.Error("levels above error should map to LevelError")
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_ConsoleOutputFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf, Service: "edittrack"})
	defer logger.Close()

	logger.Info("hidden")
	logger.Warn("commit refused", "layer", "roads")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should be filtered, got %q", out)
	}
	if !strings.Contains(out, "commit refused") || !strings.Contains(out, "layer=roads") {
		t.Errorf("warn message missing, got %q", out)
	}
	if !strings.Contains(out, "service=edittrack") {
		t.Errorf("service attribute missing, got %q", out)
	}
}

func TestNew_JSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf})
	logger.Info("stats refreshed", "total", 5)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("console output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "stats refreshed" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["total"] != float64(5) {
		t.Errorf("total = %v", rec["total"])
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs", "nested")
	logger := New(Config{Quiet: true, LogDir: dir, Service: "watch"})
	logger.Info("edit session started", "layer", "parcels")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "watch_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"edit session started"`) {
		t.Errorf("log file content = %q", data)
	}
}

func TestNew_UnwritableLogDirDisablesFile(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := New(Config{Output: &buf, LogDir: filepath.Join(blocker, "logs")})
	logger.Info("still logs")
	if logger.file != nil {
		t.Error("file should be nil when the directory cannot be created")
	}
	if !strings.Contains(buf.String(), "still logs") {
		t.Error("console logging should continue")
	}
}

func TestLogger_ExporterReceivesSlogRecords(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter, Service: "edittrack", Level: LevelDebug})

	child := logger.With("component", "engine")
	child.Slog().WithGroup("stamp").Debug("record stamped", "record_id", 7)
	logger.Info("plain")

	entries := exporter.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	first := entries[0]
	if first.Level != LevelDebug || first.Message != "record stamped" {
		t.Errorf("first entry = %+v", first)
	}
	if first.Service != "edittrack" {
		t.Errorf("service = %q", first.Service)
	}
	if first.Attrs["component"] != "engine" {
		t.Errorf("component attr = %v", first.Attrs["component"])
	}
	if first.Attrs["stamp.record_id"] != int64(7) {
		t.Errorf("grouped attr = %#v", first.Attrs)
	}
	if _, ok := first.Attrs["service"]; ok {
		t.Error("service should not be duplicated into attrs")
	}
}

func TestLogger_ExporterRespectsLevel(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter, Level: LevelError})
	logger.Warn("ignored")
	logger.Error("kept", "error", errors.New("boom").Error())

	entries := exporter.Entries()
	if len(entries) != 1 || entries[0].Message != "kept" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestLogger_CloseFlushesOnce(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})
	child := logger.With("k", "v")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := child.Close(); err != nil {
		t.Fatalf("child Close() error = %v", err)
	}
	if exporter.Flushes() != 1 {
		t.Errorf("Flush called %d times, want 1", exporter.Flushes())
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing to see")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestWriterExporter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Exporter: NewWriterExporter(&buf)})
	logger.Info("hello", "n", 1)

	if !strings.Contains(buf.String(), "INFO: hello") {
		t.Errorf("writer output = %q", buf.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/.edittrack/logs"); got != filepath.Join(home, ".edittrack/logs") {
		t.Errorf("expandPath() = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath() = %q", got)
	}
	if got := expandPath("~user/x"); got != "~user/x" {
		t.Errorf("expandPath() = %q", got)
	}
}
