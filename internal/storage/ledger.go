package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Run statuses recorded in the ledger. Running marks a run that has not
// finished, possibly because the process was interrupted.
const (
	RunRunning = "running"
)

// Run is one pipeline invocation.
type Run struct {
	ID         int64          `json:"id"`
	Command    string         `json:"command"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
	Status     string         `json:"status"`
	Model      string         `json:"model,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"`
}

// ItemOutcome is the terminal state of one item in a run.
type ItemOutcome struct {
	ItemKey  string `json:"item_key"`
	Title    string `json:"title,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	NoteKey  string `json:"note_key,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// BeginRun records the start of a run and returns its id.
func (d *DB) BeginRun(command, model string, startedAt time.Time) (int64, error) {
	res, err := d.db.Exec(
		`INSERT INTO runs (command, started_at, status, model) VALUES (?, ?, ?, ?)`,
		command, startedAt.Unix(), RunRunning, nullableStringValue(model))
	if err != nil {
		return 0, fmt.Errorf("recording run start: %w", err)
	}
	return res.LastInsertId()
}

// RecordOutcome stores the outcome of one item. Recording the same item
// twice in a run keeps the later outcome.
func (d *DB) RecordOutcome(runID int64, o ItemOutcome) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO outcomes (run_id, item_key, title, status, error, note_key, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, o.ItemKey, nullableStringValue(o.Title), o.Status,
		nullableStringValue(o.Error), nullableStringValue(o.NoteKey), o.Attempts)
	if err != nil {
		return fmt.Errorf("recording outcome for %s: %w", o.ItemKey, err)
	}
	return nil
}

// FinishRun records the end of a run.
func (d *DB) FinishRun(runID int64, status string, counts map[string]int, finishedAt time.Time) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("encoding counts: %w", err)
	}
	res, err := d.db.Exec(
		`UPDATE runs SET finished_at = ?, status = ?, counts_json = ? WHERE id = ?`,
		finishedAt.Unix(), status, string(countsJSON), runID)
	if err != nil {
		return fmt.Errorf("recording run end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d not found", runID)
	}
	return nil
}

const selectRunFields = `id, command, started_at, finished_at, status, model, counts_json`

// Runs returns the most recent runs, newest first.
func (d *DB) Runs(limit int) ([]Run, error) {
	rows, err := d.db.Query(`SELECT `+selectRunFields+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastRun returns the most recent finished run of command.
func (d *DB) LastRun(command string) (Run, bool, error) {
	row := d.db.QueryRow(`SELECT `+selectRunFields+` FROM runs
		WHERE command = ? AND finished_at IS NOT NULL ORDER BY id DESC LIMIT 1`, command)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

// Outcomes returns the item outcomes of a run, optionally restricted to
// the given statuses.
func (d *DB) Outcomes(runID int64, statuses ...string) ([]ItemOutcome, error) {
	query := `SELECT item_key, title, status, error, note_key, attempts FROM outcomes WHERE run_id = ?`
	args := []any{runID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + repeatPlaceholders(len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY item_key`

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing outcomes of run %d: %w", runID, err)
	}
	defer rows.Close()

	var out []ItemOutcome
	for rows.Next() {
		var o ItemOutcome
		var title, errText, noteKey sql.NullString
		if err := rows.Scan(&o.ItemKey, &title, &o.Status, &errText, &noteKey, &o.Attempts); err != nil {
			return nil, err
		}
		o.Title, o.Error, o.NoteKey = title.String, errText.String, noteKey.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func repeatPlaceholders(n int) string {
	var s string
	for range n {
		s += ", ?"
	}
	return s
}

func scanRun(s scanner) (Run, error) {
	var r Run
	var started int64
	var finished sql.NullInt64
	var model, counts sql.NullString
	if err := s.Scan(&r.ID, &r.Command, &started, &finished, &r.Status, &model, &counts); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(started, 0).UTC()
	if finished.Valid {
		r.FinishedAt = time.Unix(finished.Int64, 0).UTC()
	}
	r.Model = model.String
	if counts.Valid && counts.String != "" {
		if err := json.Unmarshal([]byte(counts.String), &r.Counts); err != nil {
			return Run{}, fmt.Errorf("parsing counts of run %d: %w", r.ID, err)
		}
	}
	return r, nil
}
