// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided names before they reach SQL.
//
// Table and column names cannot be bound as query parameters, so the
// SQLite layer splices them into statements. These validators keep those
// names to a plain identifier shape; quoting is still applied on top.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds table and column names.
const MaxIdentifierLength = 63

// identifierPattern matches a letter or underscore followed by letters,
// digits or underscores.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reserved names that SQLite owns.
var reserved = map[string]bool{
	"rowid":   true,
	"oid":     true,
	"_rowid_": true,
}

// ValidateIdentifier validates a table or column name.
//
// Description:
//
//	Accepts 1 to MaxIdentifierLength characters: a letter or underscore,
//	then letters, digits or underscores. Names starting with "sqlite_"
//	and SQLite's rowid aliases are rejected.
//
// Inputs:
//
//	kind - What the name is for ("table", "column"). Used in the error.
//	name - The name to check.
//
// Outputs:
//
//	error - Nil if the name is safe to splice into a statement.
//
// Example:
//
//	if err := validation.ValidateIdentifier("table", table); err != nil {
//	    return fmt.Errorf("open layer: %w", err)
//	}
func ValidateIdentifier(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name cannot be empty", kind)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%s name %q is longer than %d characters", kind, name, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid %s name %q (letters, digits and underscores only, not starting with a digit)", kind, name)
	}
	lower := strings.ToLower(name)
	if reserved[lower] || strings.HasPrefix(lower, "sqlite_") {
		return fmt.Errorf("%s name %q is reserved", kind, name)
	}
	return nil
}

// ValidateTableName validates a table name.
func ValidateTableName(name string) error {
	return ValidateIdentifier("table", name)
}

// ValidateColumnNames validates several column names and reports every
// invalid one.
func ValidateColumnNames(names ...string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateIdentifier("column", n); err != nil {
			invalid = append(invalid, fmt.Sprintf("%q", n))
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid column names: %s", strings.Join(invalid, ", "))
	}
	return nil
}
