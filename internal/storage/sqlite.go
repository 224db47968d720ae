package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/paperflow/paperflow/internal/reference"
)

// DB wraps a SQLite database holding the record index and the run ledger.
type DB struct {
	db *sql.DB
}

const selectRecordFields = `key, doi, arxiv_id, title, authors_json, year,
	venue, url, abstract, category, source_type, source_id`

// OpenDB opens or creates a SQLite database at the given path.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			key TEXT PRIMARY KEY,
			doi TEXT,
			arxiv_id TEXT,
			title TEXT NOT NULL,
			authors_json TEXT NOT NULL,
			year INTEGER NOT NULL,
			venue TEXT,
			url TEXT,
			abstract TEXT,
			category TEXT,
			source_type TEXT NOT NULL,
			source_id TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_records_category ON records(category);

		CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
			key,
			title,
			abstract,
			authors_text,
			venue
		);

		CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			status TEXT NOT NULL,
			model TEXT,
			counts_json TEXT
		);

		CREATE TABLE IF NOT EXISTS outcomes (
			run_id INTEGER NOT NULL REFERENCES runs(id),
			item_key TEXT NOT NULL,
			title TEXT,
			status TEXT NOT NULL,
			error TEXT,
			note_key TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, item_key)
		);
	`
	_, err := db.Exec(schema)
	return err
}

// RebuildFromJSONL clears the record index and rebuilds it from a JSONL file.
func (d *DB) RebuildFromJSONL(jsonlPath string) (int, error) {
	recs, err := ReadAll(jsonlPath)
	if err != nil {
		return 0, fmt.Errorf("reading JSONL: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM records"); err != nil {
		return 0, fmt.Errorf("clearing records table: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM records_fts"); err != nil {
		return 0, fmt.Errorf("clearing records_fts table: %w", err)
	}

	recStmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO records (` + selectRecordFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing records insert: %w", err)
	}
	defer recStmt.Close()

	ftsStmt, err := tx.Prepare(`
		INSERT INTO records_fts (key, title, abstract, authors_text, venue)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing fts insert: %w", err)
	}
	defer ftsStmt.Close()

	for _, rec := range recs {
		authorsJSON, err := json.Marshal(rec.Authors)
		if err != nil {
			return 0, fmt.Errorf("marshaling authors for %s: %w", rec.Key, err)
		}
		_, err = recStmt.Exec(
			rec.Key, nullableStringValue(rec.DOI), nullableStringValue(rec.ArXivID),
			rec.Title, string(authorsJSON), rec.Year,
			nullableStringValue(rec.Venue), nullableStringValue(rec.URL),
			nullableStringValue(rec.Abstract), nullableStringValue(rec.Category),
			rec.Source.Type, nullableStringValue(rec.Source.ID),
		)
		if err != nil {
			return 0, fmt.Errorf("inserting record %s: %w", rec.Key, err)
		}
		_, err = ftsStmt.Exec(rec.Key, rec.Title, rec.Abstract, strings.Join(rec.Authors, ", "), rec.Venue)
		if err != nil {
			return 0, fmt.Errorf("inserting fts for %s: %w", rec.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing index: %w", err)
	}
	return len(recs), nil
}

// GetByKey retrieves a record by identity key, or nil if absent.
func (d *DB) GetByKey(key string) (*reference.Record, error) {
	row := d.db.QueryRow(`SELECT `+selectRecordFields+` FROM records WHERE key = ?`, key)
	return scanRecord(row)
}

// Search performs a full-text search over titles, abstracts, authors and venues.
func (d *DB) Search(query string, limit int) ([]reference.Record, error) {
	rows, err := d.db.Query(`
		SELECT `+selectRecordFields+`
		FROM records
		WHERE key IN (SELECT key FROM records_fts WHERE records_fts MATCH ?)
		ORDER BY year DESC, title
		LIMIT ?`, prepareFTSQuery(query), limit)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByCategory returns the records listed under category.
func (d *DB) ByCategory(category string) ([]reference.Record, error) {
	rows, err := d.db.Query(`SELECT `+selectRecordFields+` FROM records WHERE category = ? ORDER BY year DESC, title`, category)
	if err != nil {
		return nil, fmt.Errorf("listing category %q: %w", category, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*reference.Record, error) {
	var rec reference.Record
	var authorsJSON string
	var doi, arxivID, venue, url, abstract, category, sourceID sql.NullString

	err := s.Scan(
		&rec.Key, &doi, &arxivID, &rec.Title, &authorsJSON, &rec.Year,
		&venue, &url, &abstract, &category, &rec.Source.Type, &sourceID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rec.DOI = doi.String
	rec.ArXivID = arxivID.String
	rec.Venue = venue.String
	rec.URL = url.String
	rec.Abstract = abstract.String
	rec.Category = category.String
	rec.Source.ID = sourceID.String

	if err := json.Unmarshal([]byte(authorsJSON), &rec.Authors); err != nil {
		return nil, fmt.Errorf("parsing authors JSON for %s: %w", rec.Key, err)
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]reference.Record, error) {
	var recs []reference.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			recs = append(recs, *rec)
		}
	}
	return recs, rows.Err()
}

// nullableStringValue converts a string to sql.NullString, treating empty as NULL.
func nullableStringValue(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// prepareFTSQuery escapes special characters for FTS5 queries.
func prepareFTSQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return query
	}
	if strings.ContainsAny(query, "\"*+-:(){}[]^~.,/") {
		query = strings.ReplaceAll(query, "\"", "\"\"")
		return "\"" + query + "\""
	}
	return query
}

