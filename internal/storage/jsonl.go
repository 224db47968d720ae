// Package storage persists records as JSONL, indexes them in SQLite for
// search, and keeps a ledger of pipeline runs.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paperflow/paperflow/internal/reference"
)

// MaxJSONLLineCapacity is the maximum buffer size for reading JSONL lines (1MB per line).
const MaxJSONLLineCapacity = 1024 * 1024

// ReadAll reads all records from a JSONL file. A missing file holds no records.
func ReadAll(path string) ([]reference.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening records file: %w", err)
	}
	defer f.Close()

	var recs []reference.Record
	scanner := bufio.NewScanner(f)
	buf := make([]byte, MaxJSONLLineCapacity)
	scanner.Buffer(buf, MaxJSONLLineCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec reference.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parsing line %d: %w", lineNum, err)
		}
		if rec.Key == "" {
			rec.Key = reference.IdentityKey(rec)
		}
		recs = append(recs, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading records file: %w", err)
	}
	return recs, nil
}

// WriteAll replaces the content of a JSONL file with recs. The file is
// written to a temporary name first and renamed into place.
func WriteAll(path string, recs []reference.Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".records-*.jsonl")
	if err != nil {
		return fmt.Errorf("creating records file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	w := bufio.NewWriter(f)
	for i, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return fmt.Errorf("encoding record %d: %w", i, err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing records: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing records file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing records file: %w", err)
	}
	return nil
}

// MergeResult reports what MergeInto did.
type MergeResult struct {
	Total  int // Records in the file afterwards
	Added  int // Records that matched nothing already stored
	Merged int // Incoming records folded into an existing or another incoming record
}

// MergeInto merges incoming records with those stored at path and writes
// the result back. Stored records keep their position; within a merged
// group, fields come from the most complete member first.
func MergeInto(path string, incoming []reference.Record) (MergeResult, error) {
	existing, err := ReadAll(path)
	if err != nil {
		return MergeResult{}, err
	}

	merged := reference.Merge(append(append([]reference.Record(nil), existing...), incoming...))
	if err := WriteAll(path, merged); err != nil {
		return MergeResult{}, err
	}

	existingGroups := len(reference.Merge(existing))
	return MergeResult{
		Total:  len(merged),
		Added:  len(merged) - existingGroups,
		Merged: len(incoming) - (len(merged) - existingGroups),
	}, nil
}

// FindByKey returns the index of the record with the given identity key.
func FindByKey(recs []reference.Record, key string) (int, bool) {
	for i, rec := range recs {
		if rec.Key == key {
			return i, true
		}
	}
	return -1, false
}
