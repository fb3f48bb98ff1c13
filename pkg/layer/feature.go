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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/paulmach/orb"
)

// Feature is one record of a Layer: an optional geometry plus attribute
// values in field order.
type Feature struct {
	ID tracking.RecordID

	// Geometry is nil when the record has no geometry.
	Geometry orb.Geometry

	// Attributes holds one value per field. nil is an absent value.
	Attributes []any
}

// Clone returns a copy that shares no attribute storage with f.
// Geometries are treated as immutable and are shared.
func (f Feature) Clone() Feature {
	f.Attributes = append([]any(nil), f.Attributes...)
	return f
}

// Record converts f to the tracking view of a record.
func (f Feature) Record() tracking.Record {
	return tracking.Record{
		ID:            f.ID,
		HasGeometry:   f.Geometry != nil,
		GeometryEmpty: f.Geometry != nil && IsEmptyGeometry(f.Geometry),
		Attributes:    append([]any(nil), f.Attributes...),
	}
}

// Dataset is what a Provider loads and saves.
type Dataset struct {
	Fields   []tracking.FieldDef
	Features []Feature
}

// FieldIndex returns the index of the named field, or -1.
func (d Dataset) FieldIndex(name string) int {
	for i, f := range d.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// IsEmptyGeometry reports whether g carries no coordinates.
//
// A Point always has coordinates. Multi geometries and collections are
// empty when every member is empty.
func IsEmptyGeometry(g orb.Geometry) bool {
	switch g := g.(type) {
	case nil:
		return true
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(g) == 0
	case orb.LineString:
		return len(g) == 0
	case orb.Ring:
		return len(g) == 0
	case orb.MultiLineString:
		for _, ls := range g {
			if len(ls) > 0 {
				return false
			}
		}
		return true
	case orb.Polygon:
		for _, r := range g {
			if len(r) > 0 {
				return false
			}
		}
		return true
	case orb.MultiPolygon:
		for _, p := range g {
			if !IsEmptyGeometry(p) {
				return false
			}
		}
		return true
	case orb.Collection:
		for _, m := range g {
			if !IsEmptyGeometry(m) {
				return false
			}
		}
		return true
	case orb.Bound:
		return g.IsEmpty()
	default:
		return false
	}
}

// GeometryEqual compares two optional geometries.
func GeometryEqual(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return orb.Equal(a, b)
}

// NormalizeValue converts a raw value to the in-memory representation of
// a field type.
//
// Description:
//
//	Integer fields hold int64, real fields float64, date fields
//	tracking.Date and string fields string. Values that cannot be
//	converted are kept as they are, so an invalid tag such as "abc"
//	survives a load and save. nil stays nil.
func NormalizeValue(t tracking.FieldType, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case tracking.FieldInteger:
		switch x := v.(type) {
		case float64:
			if x == math.Trunc(x) && !math.IsInf(x, 0) {
				return int64(x)
			}
		case float32:
			return NormalizeValue(t, float64(x))
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return n
			}
			if f, err := x.Float64(); err == nil {
				return NormalizeValue(t, f)
			}
		case int:
			return int64(x)
		case int32:
			return int64(x)
		case int64:
			return x
		case bool:
			if x {
				return int64(1)
			}
			return int64(0)
		}
		return v
	case tracking.FieldReal:
		switch x := v.(type) {
		case float64:
			return x
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f
			}
		case int64:
			return float64(x)
		case int:
			return float64(x)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f
			}
		}
		return v
	case tracking.FieldDate:
		switch x := v.(type) {
		case string:
			if strings.TrimSpace(x) == "" {
				return nil
			}
		case time.Time:
			return tracking.DateOf(x)
		}
		if d, ok := tracking.CoerceDate(v); ok {
			return d
		}
		return v
	default:
		switch x := v.(type) {
		case string:
			return x
		case json.Number:
			return x.String()
		case []byte:
			return string(x)
		}
		return v
	}
}

// SameValue reports whether two normalized attribute values would be
// written identically.
func SameValue(a, b any) bool {
	return exportValue(a) == exportValue(b)
}

// exportValue converts an in-memory value to something a provider can
// write: nil, bool, int64, float64 or string.
func exportValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case tracking.Date:
		if !x.IsValid() {
			return nil
		}
		return x.String()
	case int64, float64, string, bool:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case json.Number:
		return x.String()
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
