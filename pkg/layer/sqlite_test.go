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
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteFixture(t *testing.T) (string, *SQLiteProvider) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "city.sqlite")

	require.NoError(t, CreateSQLiteTable(ctx, path, "parcels",
		tracking.FieldDef{Name: "owner", Type: tracking.FieldString},
		tracking.FieldDef{Name: "area", Type: tracking.FieldReal},
	))

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(ctx, `INSERT INTO parcels (fid, geom, owner, area) VALUES
		(1, '{"type":"Point","coordinates":[10,20]}', 'ann', 12.5),
		(2, NULL, 'bob', NULL),
		(5, '{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}', NULL, 3)`)
	require.NoError(t, err)

	return path, NewSQLiteProvider(path, "parcels")
}

func TestSQLiteProvider_Load(t *testing.T) {
	_, p := newSQLiteFixture(t)

	data, err := p.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []tracking.FieldDef{
		{Name: "owner", Type: tracking.FieldString},
		{Name: "area", Type: tracking.FieldReal},
	}, data.Fields)
	require.Len(t, data.Features, 3)
	assert.Equal(t, tracking.RecordID(1), data.Features[0].ID)
	assert.Equal(t, orb.Point{10, 20}, data.Features[0].Geometry)
	assert.Equal(t, "ann", data.Features[0].Attributes[0])
	assert.Equal(t, 12.5, data.Features[0].Attributes[1])
	assert.Nil(t, data.Features[1].Geometry)
	assert.Nil(t, data.Features[1].Attributes[1])
	assert.Equal(t, tracking.RecordID(5), data.Features[2].ID)
	assert.Equal(t, 3.0, data.Features[2].Attributes[1])
}

func TestSQLiteProvider_CreateFieldsAndSave(t *testing.T) {
	ctx := context.Background()
	_, p := newSQLiteFixture(t)

	l, err := Load(ctx, "parcels_1", p)
	require.NoError(t, err)
	require.NoError(t, l.StartEditing())

	idx, created, err := tracking.EnsureSchema(l)
	require.NoError(t, err)
	require.True(t, created)
	_, err = tracking.InitializeAllRecords(l, idx)
	require.NoError(t, err)
	require.NoError(t, l.ChangeAttributeValue(1, idx.Tag, int64(1)))
	require.NoError(t, l.ChangeAttributeValue(1, idx.Date, tracking.NewDate(2025, time.June, 15)))
	require.NoError(t, l.DeleteRecord(2))
	_, err = l.AddFeatureValues(orb.Point{7, 7}, map[string]any{"owner": "cy"})
	require.NoError(t, err)
	require.NoError(t, l.CommitChanges())

	reloaded, err := Load(ctx, "parcels_2", p)
	require.NoError(t, err)
	ridx, ok := tracking.LookupSchema(reloaded)
	require.True(t, ok, "tracking columns were added to the table")
	assert.Equal(t, tracking.FieldDate, reloaded.Fields()[ridx.Date].Type)
	assert.Equal(t, 3, reloaded.Len())

	r, err := reloaded.Record(1)
	require.NoError(t, err)
	assert.Equal(t, tracking.ClassEdited, r.Classify(ridx).Class)
	assert.Equal(t, tracking.NewDate(2025, time.June, 15), r.Attributes[ridx.Date])

	r, err = reloaded.Record(5)
	require.NoError(t, err)
	assert.Equal(t, tracking.ClassNotEdited, r.Classify(ridx).Class)

	_, err = reloaded.Record(2)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	r, err = reloaded.Record(6)
	require.NoError(t, err)
	assert.Equal(t, tracking.ClassNullTag, r.Classify(ridx).Class, "added record has no tag")
}

func TestSQLiteProvider_RowidTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "plain.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE trees (species TEXT, height INTEGER)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO trees (species, height) VALUES ('oak', 12), ('elm', 9)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	p := NewSQLiteProvider(path, "trees")
	data, err := p.Load(ctx)
	require.NoError(t, err)
	require.Len(t, data.Features, 2)
	assert.Nil(t, data.Features[0].Geometry)
	assert.Equal(t, int64(12), data.Features[0].Attributes[1])

	data.Features[1].Geometry = orb.Point{1, 1}
	require.NoError(t, p.Save(ctx, data), "geom column is added on save")

	again, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, orb.Point{1, 1}, again.Features[1].Geometry)
	assert.Equal(t, data.Fields, again.Fields)
}

func TestSQLiteProvider_MissingTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.sqlite")
	_, err := NewSQLiteProvider(path, "nothing").Load(context.Background())
	assert.Error(t, err)
}

func TestCreateSQLiteTable_RejectsBadNames(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "city.sqlite")
	assert.Error(t, CreateSQLiteTable(ctx, path, "sqlite_master"))
	assert.Error(t, CreateSQLiteTable(ctx, path, "parcels",
		tracking.FieldDef{Name: "land use", Type: tracking.FieldString}))
}

func TestFieldTypeFromSQL(t *testing.T) {
	assert.Equal(t, tracking.FieldInteger, fieldTypeFromSQL("INTEGER"))
	assert.Equal(t, tracking.FieldInteger, fieldTypeFromSQL("bigint"))
	assert.Equal(t, tracking.FieldReal, fieldTypeFromSQL("DOUBLE PRECISION"))
	assert.Equal(t, tracking.FieldDate, fieldTypeFromSQL("DATE"))
	assert.Equal(t, tracking.FieldString, fieldTypeFromSQL("VARCHAR(10)"))
	assert.Equal(t, tracking.FieldString, fieldTypeFromSQL(""))
}
