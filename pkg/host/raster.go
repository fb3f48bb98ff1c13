// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package host

import (
	"path/filepath"
	"strings"

	"github.com/AleutianAI/edittrack/pkg/tracking"
)

// Raster is a non-vector resource. The engine reports it as not
// applicable and never tracks it.
type Raster struct {
	id   tracking.CollectionID
	name string
	path string
}

// NewRaster creates a raster resource for an image file.
func NewRaster(path string) *Raster {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return &Raster{id: NewID(name), name: name, path: path}
}

func (r *Raster) ID() tracking.CollectionID   { return r.id }
func (r *Raster) Name() string                { return r.name }
func (r *Raster) Kind() tracking.ResourceKind { return tracking.KindRaster }
func (r *Raster) Path() string                { return r.path }
