package export

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/paperflow/paperflow/internal/ident"
	"github.com/paperflow/paperflow/internal/reference"
)

// BibTeXIndex indexes existing BibTeX entries for deduplication.
type BibTeXIndex struct {
	// Keys maps citation keys to true for existence check
	Keys map[string]bool
	// DOIs maps normalized DOI values to citation keys
	DOIs map[string]string
}

// NewBibTeXIndex creates an empty BibTeX index.
func NewBibTeXIndex() *BibTeXIndex {
	return &BibTeXIndex{
		Keys: make(map[string]bool),
		DOIs: make(map[string]string),
	}
}

// HasEntry returns true if the entry already exists, by DOI first and
// citation key otherwise.
func (idx *BibTeXIndex) HasEntry(key, doi string) bool {
	if doi := ident.NormalizeDOI(doi); doi != "" {
		if _, exists := idx.DOIs[doi]; exists {
			return true
		}
	}
	return idx.Keys[key]
}

func (idx *BibTeXIndex) add(key, doi string) {
	idx.Keys[key] = true
	if doi := ident.NormalizeDOI(doi); doi != "" {
		idx.DOIs[doi] = key
	}
}

var (
	entryStartRegex = regexp.MustCompile(`@\w+\{([^,]+),`)
	doiFieldRegex   = regexp.MustCompile(`(?i)^\s*doi\s*=\s*[\{"]([^\}"]+)[\}"]`)
)

// ParseBibTeXFile builds an index from an existing .bib file.
// Returns an empty index if the file doesn't exist.
func ParseBibTeXFile(path string) (*BibTeXIndex, error) {
	idx := NewBibTeXIndex()

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return idx, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var currentKey string
	for scanner.Scan() {
		line := scanner.Text()
		if m := entryStartRegex.FindStringSubmatch(line); len(m) > 1 {
			currentKey = strings.TrimSpace(m[1])
			idx.Keys[currentKey] = true
		}
		if m := doiFieldRegex.FindStringSubmatch(line); len(m) > 1 && currentKey != "" {
			if doi := ident.NormalizeDOI(m[1]); doi != "" {
				idx.DOIs[doi] = currentKey
			}
		}
	}
	return idx, scanner.Err()
}

// AppendBibTeX appends the records missing from the .bib file at path and
// returns how many were written.
func AppendBibTeX(path string, recs []reference.Record) (int, error) {
	idx, err := ParseBibTeXFile(path)
	if err != nil {
		return 0, err
	}
	var fresh []reference.Record
	for _, rec := range recs {
		key := CiteKey(rec)
		if idx.HasEntry(key, rec.DOI) {
			continue
		}
		idx.add(key, rec.DOI)
		fresh = append(fresh, rec)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	// Start on a new line
	if _, err := file.WriteString("\n" + ToBibTeXList(fresh)); err != nil {
		return 0, err
	}
	return len(fresh), nil
}
