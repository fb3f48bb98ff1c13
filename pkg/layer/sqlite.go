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
	"fmt"
	"strings"

	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/AleutianAI/edittrack/pkg/validation"
	"github.com/paulmach/orb/geojson"
	_ "modernc.org/sqlite"
)

const (
	// sqliteIDColumn is the integer primary key column. Tables without it
	// use the rowid.
	sqliteIDColumn = "fid"

	// sqliteGeomColumn holds each geometry as GeoJSON text.
	sqliteGeomColumn = "geom"
)

// SQLiteProvider reads and writes one table of a SQLite database.
//
// Description:
//
//	The table keeps record ids in "fid" (or the rowid) and geometries as
//	GeoJSON text in "geom". Every other column is a field; its declared
//	type picks the field type. Date fields are stored as YYYY-MM-DD text.
//	Save adds missing columns with ALTER TABLE and rewrites the rows in
//	one transaction.
type SQLiteProvider struct {
	path  string
	table string
}

// NewSQLiteProvider creates a provider for table in the database at path.
func NewSQLiteProvider(path, table string) *SQLiteProvider {
	return &SQLiteProvider{path: path, table: table}
}

func (p *SQLiteProvider) SourceKey() string { return "sqlite:" + p.path + "#" + p.table }
func (p *SQLiteProvider) Name() string      { return p.table }
func (p *SQLiteProvider) Path() string      { return p.path }
func (p *SQLiteProvider) Table() string     { return p.table }

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

type sqliteColumn struct {
	name string
	decl string
}

type sqliteLayout struct {
	idColumn string
	hasGeom  bool
	fields   []tracking.FieldDef
	columns  map[string]bool
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (p *SQLiteProvider) layout(ctx context.Context, q queryer) (sqliteLayout, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(p.table)+")")
	if err != nil {
		return sqliteLayout{}, fmt.Errorf("read table info %s: %w", p.table, err)
	}
	defer rows.Close()

	var cols []sqliteColumn
	for rows.Next() {
		var (
			cid     int
			name    string
			decl    string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &decl, &notNull, &dflt, &pk); err != nil {
			return sqliteLayout{}, fmt.Errorf("scan table info %s: %w", p.table, err)
		}
		cols = append(cols, sqliteColumn{name: name, decl: decl})
	}
	if err := rows.Err(); err != nil {
		return sqliteLayout{}, fmt.Errorf("read table info %s: %w", p.table, err)
	}
	if len(cols) == 0 {
		return sqliteLayout{}, fmt.Errorf("table %q not found in %s", p.table, p.path)
	}

	l := sqliteLayout{idColumn: "rowid", columns: make(map[string]bool, len(cols))}
	for _, c := range cols {
		l.columns[c.name] = true
		switch c.name {
		case sqliteIDColumn:
			l.idColumn = sqliteIDColumn
		case sqliteGeomColumn:
			l.hasGeom = true
		default:
			l.fields = append(l.fields, tracking.FieldDef{Name: c.name, Type: fieldTypeFromSQL(c.decl)})
		}
	}
	return l, nil
}

// Load reads every row of the table in id order.
func (p *SQLiteProvider) Load(ctx context.Context) (Dataset, error) {
	db, err := openSQLite(ctx, p.path)
	if err != nil {
		return Dataset{}, err
	}
	defer db.Close()

	lay, err := p.layout(ctx, db)
	if err != nil {
		return Dataset{}, err
	}

	exprs := []string{quoteIdent(lay.idColumn)}
	if lay.hasGeom {
		exprs = append(exprs, quoteIdent(sqliteGeomColumn))
	}
	for _, f := range lay.fields {
		// Dates are read as text so the driver does not parse them.
		if f.Type == tracking.FieldDate {
			exprs = append(exprs, "CAST("+quoteIdent(f.Name)+" AS TEXT)")
			continue
		}
		exprs = append(exprs, quoteIdent(f.Name))
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(exprs, ", "), quoteIdent(p.table), quoteIdent(lay.idColumn))

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return Dataset{}, fmt.Errorf("query %s: %w", p.table, err)
	}
	defer rows.Close()

	data := Dataset{Fields: lay.fields}
	for rows.Next() {
		vals := make([]any, len(exprs))
		ptrs := make([]any, len(exprs))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Dataset{}, fmt.Errorf("scan %s: %w", p.table, err)
		}
		f, err := sqliteFeature(lay, vals)
		if err != nil {
			return Dataset{}, fmt.Errorf("row of %s: %w", p.table, err)
		}
		data.Features = append(data.Features, f)
	}
	if err := rows.Err(); err != nil {
		return Dataset{}, fmt.Errorf("query %s: %w", p.table, err)
	}
	return data, nil
}

func sqliteFeature(lay sqliteLayout, vals []any) (Feature, error) {
	id, ok := tracking.CoerceTag(vals[0])
	if !ok || id <= 0 {
		return Feature{}, fmt.Errorf("bad id %v", vals[0])
	}
	f := Feature{ID: tracking.RecordID(id)}
	rest := vals[1:]
	if lay.hasGeom {
		switch g := rest[0].(type) {
		case nil:
		case string:
			if err := decodeGeom(&f, []byte(g)); err != nil {
				return Feature{}, err
			}
		case []byte:
			if err := decodeGeom(&f, g); err != nil {
				return Feature{}, err
			}
		default:
			return Feature{}, fmt.Errorf("feature %d: geometry column holds %T", id, g)
		}
		rest = rest[1:]
	}
	f.Attributes = make([]any, len(lay.fields))
	for i, field := range lay.fields {
		v := rest[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		f.Attributes[i] = NormalizeValue(field.Type, v)
	}
	return f, nil
}

func decodeGeom(f *Feature, raw []byte) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return fmt.Errorf("feature %d: decode geometry: %w", f.ID, err)
	}
	f.Geometry = g.Geometry()
	return nil
}

// Save replaces the table's rows with data.
func (p *SQLiteProvider) Save(ctx context.Context, data Dataset) (err error) {
	db, err := openSQLite(ctx, p.path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	lay, err := p.layout(ctx, tx)
	if err != nil {
		return err
	}
	if !lay.hasGeom {
		if err = p.addColumn(ctx, tx, sqliteGeomColumn, "TEXT"); err != nil {
			return err
		}
	}
	for _, f := range data.Fields {
		if lay.columns[f.Name] {
			continue
		}
		if err = p.addColumn(ctx, tx, f.Name, sqlType(f)); err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(p.table)); err != nil {
		return fmt.Errorf("clear %s: %w", p.table, err)
	}

	cols := []string{quoteIdent(lay.idColumn), quoteIdent(sqliteGeomColumn)}
	for _, f := range data.Fields {
		cols = append(cols, quoteIdent(f.Name))
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(p.table), strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range data.Features {
		args := make([]any, 0, len(cols))
		args = append(args, int64(f.ID))
		var geom any
		if f.Geometry != nil {
			raw, merr := geojson.NewGeometry(f.Geometry).MarshalJSON()
			if merr != nil {
				err = fmt.Errorf("feature %d: encode geometry: %w", f.ID, merr)
				return err
			}
			geom = string(raw)
		}
		args = append(args, geom)
		for i := range data.Fields {
			var v any
			if i < len(f.Attributes) {
				v = exportValue(f.Attributes[i])
			}
			args = append(args, v)
		}
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert feature %d: %w", f.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", p.table, err)
	}
	return nil
}

func (p *SQLiteProvider) addColumn(ctx context.Context, tx *sql.Tx, name, decl string) error {
	if err := validation.ValidateIdentifier("column", name); err != nil {
		return fmt.Errorf("add column to %s: %w", p.table, err)
	}
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(p.table), quoteIdent(name), decl)
	if _, err := tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("add column %s.%s: %w", p.table, name, err)
	}
	return nil
}

// CreateSQLiteTable creates table with an id column, a geometry column and
// the given fields. An existing table is left alone.
func CreateSQLiteTable(ctx context.Context, path, table string, fields ...tracking.FieldDef) error {
	if err := validation.ValidateTableName(table); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	if err := validation.ValidateColumnNames(names...); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	db, err := openSQLite(ctx, path)
	if err != nil {
		return err
	}
	defer db.Close()

	cols := []string{
		quoteIdent(sqliteIDColumn) + " INTEGER PRIMARY KEY",
		quoteIdent(sqliteGeomColumn) + " TEXT",
	}
	for _, f := range fields {
		cols = append(cols, quoteIdent(f.Name)+" "+sqlType(f))
	}
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(cols, ", "))
	if _, err := db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func sqlType(f tracking.FieldDef) string {
	switch f.Type {
	case tracking.FieldInteger:
		return "INTEGER"
	case tracking.FieldReal:
		return "REAL"
	case tracking.FieldDate:
		return "DATE"
	default:
		if f.Length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", f.Length)
		}
		return "TEXT"
	}
}

func fieldTypeFromSQL(decl string) tracking.FieldType {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "DATE"), strings.Contains(d, "TIMESTAMP"):
		return tracking.FieldDate
	case strings.Contains(d, "INT"):
		return tracking.FieldInteger
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"),
		strings.Contains(d, "NUMERIC"), strings.Contains(d, "DECIMAL"):
		return tracking.FieldReal
	default:
		return tracking.FieldString
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
