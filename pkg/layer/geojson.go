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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/paulmach/orb/geojson"
)

// GeoJSONProvider reads and writes a GeoJSON FeatureCollection file.
//
// Description:
//
//	Feature ids are taken from the "id" member when it is an integer or
//	an integer string; other features get fresh ids. Saving writes every
//	feature with its id, a null geometry for records without one, and
//	every field as a property (absent values as null). The write goes
//	to a temporary file that is renamed over the original.
type GeoJSONProvider struct {
	path string
}

// NewGeoJSONProvider creates a provider for path.
func NewGeoJSONProvider(path string) *GeoJSONProvider {
	return &GeoJSONProvider{path: path}
}

func (p *GeoJSONProvider) SourceKey() string { return "geojson:" + p.path }
func (p *GeoJSONProvider) Path() string      { return p.path }

// Name is the file name without extension.
func (p *GeoJSONProvider) Name() string {
	base := filepath.Base(p.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

type fieldDoc struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Length int    `json:"length,omitempty"`
}

// collectionIn carries the field list in the "edittrack:fields" foreign
// member, so types and order survive a round trip.
type collectionIn struct {
	Type     string      `json:"type"`
	Fields   []fieldDoc  `json:"edittrack:fields"`
	Features []featureIn `json:"features"`
}

type featureIn struct {
	Type       string          `json:"type"`
	ID         any             `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type collectionOut struct {
	Type     string       `json:"type"`
	Fields   []fieldDoc   `json:"edittrack:fields"`
	Features []featureOut `json:"features"`
}

type featureOut struct {
	Type       string            `json:"type"`
	ID         tracking.RecordID `json:"id"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties map[string]any    `json:"properties"`
}

// Load reads the file.
func (p *GeoJSONProvider) Load(ctx context.Context) (Dataset, error) {
	if err := ctx.Err(); err != nil {
		return Dataset{}, err
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return Dataset{}, fmt.Errorf("read %s: %w", p.path, err)
	}
	return DecodeGeoJSON(raw)
}

// DecodeGeoJSON parses a FeatureCollection document.
func DecodeGeoJSON(raw []byte) (Dataset, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc collectionIn
	if err := dec.Decode(&doc); err != nil {
		return Dataset{}, fmt.Errorf("decode geojson: %w", err)
	}
	if doc.Type != "FeatureCollection" {
		return Dataset{}, fmt.Errorf("decode geojson: type %q, want FeatureCollection", doc.Type)
	}

	fields, err := geojsonFields(doc)
	if err != nil {
		return Dataset{}, err
	}

	data := Dataset{Fields: fields, Features: make([]Feature, 0, len(doc.Features))}
	for i, fd := range doc.Features {
		f := Feature{ID: featureID(fd.ID), Attributes: make([]any, len(fields))}
		if g := bytes.TrimSpace(fd.Geometry); len(g) > 0 && !bytes.Equal(g, []byte("null")) {
			geom, err := geojson.UnmarshalGeometry(g)
			if err != nil {
				return Dataset{}, fmt.Errorf("decode geojson feature %d: %w", i, err)
			}
			f.Geometry = geom.Geometry()
		}
		for j, field := range fields {
			f.Attributes[j] = NormalizeValue(field.Type, fd.Properties[field.Name])
		}
		data.Features = append(data.Features, f)
	}
	return data, nil
}

// geojsonFields returns the recorded field list followed by any other
// property names, sorted, with inferred types.
func geojsonFields(doc collectionIn) ([]tracking.FieldDef, error) {
	var fields []tracking.FieldDef
	known := make(map[string]bool)
	for _, fd := range doc.Fields {
		t, ok := parseFieldType(fd.Type)
		if !ok {
			return nil, fmt.Errorf("decode geojson: field %q has unknown type %q", fd.Name, fd.Type)
		}
		if fd.Name == "" || known[fd.Name] {
			return nil, fmt.Errorf("decode geojson: bad or duplicate field name %q", fd.Name)
		}
		known[fd.Name] = true
		fields = append(fields, tracking.FieldDef{Name: fd.Name, Type: t, Length: fd.Length})
	}

	var extra []string
	for _, fd := range doc.Features {
		for name := range fd.Properties {
			if !known[name] {
				known[name] = true
				extra = append(extra, name)
			}
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		samples := make([]any, 0, len(doc.Features))
		for _, fd := range doc.Features {
			samples = append(samples, fd.Properties[name])
		}
		fields = append(fields, tracking.FieldDef{Name: name, Type: inferFieldType(samples)})
	}
	return fields, nil
}

func featureID(v any) tracking.RecordID {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil && n > 0 {
			return tracking.RecordID(n)
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil && n > 0 {
			return tracking.RecordID(n)
		}
	}
	return 0
}

// Save writes data to the file.
func (p *GeoJSONProvider) Save(ctx context.Context, data Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := EncodeGeoJSON(data)
	if err != nil {
		return err
	}
	return writeFileAtomic(p.path, raw)
}

// EncodeGeoJSON renders data as an indented FeatureCollection.
func EncodeGeoJSON(data Dataset) ([]byte, error) {
	doc := collectionOut{
		Type:     "FeatureCollection",
		Fields:   make([]fieldDoc, len(data.Fields)),
		Features: make([]featureOut, 0, len(data.Features)),
	}
	for i, f := range data.Fields {
		doc.Fields[i] = fieldDoc{Name: f.Name, Type: f.Type.String(), Length: f.Length}
	}
	for _, f := range data.Features {
		out := featureOut{
			Type:       "Feature",
			ID:         f.ID,
			Properties: make(map[string]any, len(data.Fields)),
		}
		if f.Geometry != nil {
			out.Geometry = geojson.NewGeometry(f.Geometry)
		}
		for i, field := range data.Fields {
			var v any
			if i < len(f.Attributes) {
				v = exportValue(f.Attributes[i])
			}
			out.Properties[field.Name] = v
		}
		doc.Features = append(doc.Features, out)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode geojson: %w", err)
	}
	return append(raw, '\n'), nil
}

func parseFieldType(s string) (tracking.FieldType, bool) {
	switch strings.ToLower(s) {
	case "string", "text", "":
		return tracking.FieldString, true
	case "integer", "int":
		return tracking.FieldInteger, true
	case "real", "double", "float":
		return tracking.FieldReal, true
	case "date":
		return tracking.FieldDate, true
	default:
		return 0, false
	}
}

// writeFileAtomic writes to a temporary file next to path and renames it.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if info, err := os.Stat(path); err == nil {
		_ = os.Chmod(tmpName, info.Mode().Perm())
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
