// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/AleutianAI/edittrack/pkg/validation"
)

// ErrUnsupportedSource is returned by ParseSpec for an unknown layer spec.
var ErrUnsupportedSource = errors.New("layer: unsupported source")

// Provider loads and saves a layer's data.
type Provider interface {
	// SourceKey identifies the source, stable across runs.
	SourceKey() string

	// Name is the default display name of the layer.
	Name() string

	// Path is the file the data lives in.
	Path() string

	Load(ctx context.Context) (Dataset, error)
	Save(ctx context.Context, data Dataset) error
}

// ParseSpec turns a layer argument into a Provider.
//
// Description:
//
//	"path/to/file.geojson" and "path/to/file.json" open a GeoJSON file.
//	"path/to/file.sqlite#table" (also .db, .gpkg) opens a SQLite table.
//	Paths are made absolute so the source key does not depend on the
//	working directory.
//
// Outputs:
//
//	Provider - The provider. Nothing is read yet.
//	error - ErrUnsupportedSource for anything else.
func ParseSpec(spec string) (Provider, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty layer spec", ErrUnsupportedSource)
	}
	if path, table, ok := strings.Cut(spec, "#"); ok {
		if table == "" {
			return nil, fmt.Errorf("%w: %q has no table after '#'", ErrUnsupportedSource, spec)
		}
		if err := validation.ValidateTableName(table); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}
		return NewSQLiteProvider(abs, table), nil
	}
	switch strings.ToLower(filepath.Ext(spec)) {
	case ".geojson", ".json":
		abs, err := filepath.Abs(spec)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", spec, err)
		}
		return NewGeoJSONProvider(abs), nil
	default:
		return nil, fmt.Errorf("%w: %q (want *.geojson, *.json or file.sqlite#table)", ErrUnsupportedSource, spec)
	}
}

// Open parses spec and loads the layer.
func Open(ctx context.Context, id tracking.CollectionID, spec string, opts ...Option) (*Layer, error) {
	p, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	return Load(ctx, id, p, opts...)
}

// inferFieldType guesses a field type from sample values. Every non-nil
// value must agree; mixed samples fall back to string.
func inferFieldType(samples []any) tracking.FieldType {
	var (
		seen                 bool
		allInt, allNum, allD = true, true, true
	)
	for _, v := range samples {
		if v == nil {
			continue
		}
		seen = true
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				v = i
			} else if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		switch x := v.(type) {
		case float64:
			allD = false
			if x != float64(int64(x)) {
				allInt = false
			}
		case int64, int, bool:
			allD = false
		case string:
			allInt, allNum = false, false
			if _, err := tracking.ParseDate(x); err != nil {
				allD = false
			}
		default:
			allInt, allNum, allD = false, false, false
		}
	}
	switch {
	case !seen:
		return tracking.FieldString
	case allInt && allNum:
		return tracking.FieldInteger
	case allNum:
		return tracking.FieldReal
	case allD:
		return tracking.FieldDate
	default:
		return tracking.FieldString
	}
}
