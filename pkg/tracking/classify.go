// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracking

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// FeatureClass is the tag-validity bucket of one record.
type FeatureClass int

const (
	// ClassNullGeometry means the geometry is absent or empty.
	ClassNullGeometry FeatureClass = iota

	// ClassNullTag means the tag attribute holds no value.
	ClassNullTag

	// ClassInvalidTagValue means the tag is not interpretable as 0 or 1.
	ClassInvalidTagValue

	// ClassTagSetNoDate means tag=1 with an absent or invalid date.
	ClassTagSetNoDate

	// ClassEdited means tag=1 with a valid date.
	ClassEdited

	// ClassNotEdited means tag=0. The date is never inspected.
	ClassNotEdited
)

var featureClassNames = map[FeatureClass]string{
	ClassNullGeometry:    "null_geometry",
	ClassNullTag:         "null_tag",
	ClassInvalidTagValue: "invalid_tag_value",
	ClassTagSetNoDate:    "tag_set_no_date",
	ClassEdited:          "edited",
	ClassNotEdited:       "not_edited",
}

// String returns the snake_case name of the class.
func (c FeatureClass) String() string {
	if name, ok := featureClassNames[c]; ok {
		return name
	}
	return "unknown"
}

// IsNullAttribute reports whether c counts toward the null-attribute total.
func (c FeatureClass) IsNullAttribute() bool {
	return c == ClassNullTag || c == ClassInvalidTagValue || c == ClassTagSetNoDate
}

// AllFeatureClasses lists every class in rule order.
func AllFeatureClasses() []FeatureClass {
	return []FeatureClass{
		ClassNullGeometry, ClassNullTag, ClassInvalidTagValue,
		ClassTagSetNoDate, ClassEdited, ClassNotEdited,
	}
}

// Classification is the result of classifying one record.
type Classification struct {
	Class FeatureClass

	// Date is the edit date, set only for ClassEdited.
	Date Date
}

// Classify assigns a record to exactly one FeatureClass.
//
// Description:
//
//	Rules are applied in order and the first match wins:
//	 1. absent or empty geometry → ClassNullGeometry (tag and date ignored)
//	 2. absent tag → ClassNullTag
//	 3. tag not interpretable as 0 or 1 → ClassInvalidTagValue
//	 4. tag 1 with absent or invalid date → ClassTagSetNoDate
//	 5. tag 1 with a valid date → ClassEdited
//	 6. tag 0 → ClassNotEdited (date ignored)
//
//	Classify is total. Unexpected value types fall into the invalid
//	buckets; it never panics.
//
// Inputs:
//
//	hasGeometry - False if the record carries no geometry at all.
//	geometryEmpty - True if the geometry exists but has no coordinates.
//	tag - Raw tag attribute value; nil means absent.
//	date - Raw date attribute value; nil means absent.
//
// Outputs:
//
//	Classification - The bucket, plus the date for ClassEdited.
//
// Example:
//
//	c := Classify(true, false, int64(1), NewDate(2024, time.January, 1))
//	// c.Class == ClassEdited
func Classify(hasGeometry, geometryEmpty bool, tag, date any) Classification {
	if !hasGeometry || geometryEmpty {
		return Classification{Class: ClassNullGeometry}
	}
	if isAbsent(tag) {
		return Classification{Class: ClassNullTag}
	}
	v, ok := CoerceTag(tag)
	if !ok || (v != 0 && v != 1) {
		return Classification{Class: ClassInvalidTagValue}
	}
	if v == 0 {
		return Classification{Class: ClassNotEdited}
	}
	d, ok := CoerceDate(date)
	if !ok {
		return Classification{Class: ClassTagSetNoDate}
	}
	return Classification{Class: ClassEdited, Date: d}
}

// CoerceTag interprets a raw attribute value as an integer.
//
// Description:
//
//	Integers are taken as-is. Floats truncate toward zero; NaN, infinities
//	and values outside the int64 range are rejected. Strings are trimmed
//	and parsed as base-10 integers. Booleans map to 1 and 0. Pointers are
//	dereferenced. Everything else is rejected.
//
// Outputs:
//
//	int64 - The integer value.
//	bool - False if v cannot be interpreted as an integer.
func CoerceTag(v any) (int64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return uintToInt(uint64(x))
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return uintToInt(x)
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case []byte:
		return CoerceTag(string(x))
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return 0, false
		}
		return CoerceTag(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uintToInt(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return floatToInt(rv.Float())
	case reflect.String:
		return CoerceTag(rv.String())
	case reflect.Bool:
		return CoerceTag(rv.Bool())
	}
	return 0, false
}

// CoerceDate interprets a raw attribute value as a calendar date.
//
// Description:
//
//	Accepts a valid Date, a non-zero time.Time (its calendar date in its
//	own location), or a YYYY-MM-DD string (surrounding whitespace trimmed).
//	Pointers are dereferenced. Anything else is absent or invalid.
func CoerceDate(v any) (Date, bool) {
	switch x := v.(type) {
	case nil:
		return Date{}, false
	case Date:
		return x, x.IsValid()
	case *Date:
		if x == nil {
			return Date{}, false
		}
		return *x, x.IsValid()
	case time.Time:
		if x.IsZero() {
			return Date{}, false
		}
		return DateOf(x), true
	case *time.Time:
		if x == nil || x.IsZero() {
			return Date{}, false
		}
		return DateOf(*x), true
	case string:
		d, err := ParseDate(strings.TrimSpace(x))
		if err != nil {
			return Date{}, false
		}
		return d, true
	case []byte:
		return CoerceDate(string(x))
	}

	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && !rv.IsNil() {
		return CoerceDate(rv.Elem().Interface())
	}
	if rv.Kind() == reflect.String {
		return CoerceDate(rv.String())
	}
	return Date{}, false
}

// isUnstamped reports whether a tag value allows automatic stamping on a
// geometry change: absent or numerically equal to zero. Unlike CoerceTag
// it does not parse strings or truncate fractions, so "0" and 0.9 are
// stamped values.
func isUnstamped(tag any) bool {
	if isAbsent(tag) {
		return true
	}
	switch v := tag.(type) {
	case bool:
		return !v
	case json.Number:
		f, err := v.Float64()
		return err == nil && f == 0
	}
	rv := reflect.ValueOf(tag)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() == 0
	case reflect.Pointer, reflect.Interface:
		return isUnstamped(rv.Elem().Interface())
	default:
		return false
	}
}

// isAbsent reports whether v is nil, including typed nil pointers.
func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func uintToInt(u uint64) (int64, bool) {
	if u > math.MaxInt64 {
		return 0, false
	}
	return int64(u), true
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	t := math.Trunc(f)
	if t < math.MinInt64 || t >= math.MaxInt64 {
		return 0, false
	}
	return int64(t), true
}
