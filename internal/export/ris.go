package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/paperflow/paperflow/internal/reference"
)

// risType picks the RIS reference type of a record.
func risType(rec reference.Record) string {
	switch determineEntryType(rec) {
	case "inproceedings":
		return "CPAPER"
	case "misc":
		return "ELEC"
	}
	if rec.DOI == "" && rec.ArXivID != "" {
		return "UNPB"
	}
	return "JOUR"
}

// WriteRIS writes records as RIS entries. Each tag line is "XX  - value".
func WriteRIS(w io.Writer, recs []reference.Record) error {
	for _, rec := range recs {
		var b strings.Builder
		line := func(tag, value string) {
			value = strings.Join(strings.Fields(value), " ")
			if value != "" {
				fmt.Fprintf(&b, "%s  - %s\n", tag, value)
			}
		}
		line("TY", risType(rec))
		line("TI", rec.Title)
		for _, a := range rec.Authors {
			line("AU", risAuthor(a))
		}
		if rec.Year != 0 {
			line("PY", fmt.Sprint(rec.Year))
		}
		line("T2", rec.Venue)
		line("UR", rec.URL)
		line("AB", rec.Abstract)
		line("DO", rec.DOI)
		if rec.ArXivID != "" && rec.URL == "" {
			line("UR", "https://arxiv.org/abs/"+rec.ArXivID)
		}
		line("KW", rec.Category)
		b.WriteString("ER  - \n\n")
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}

// risAuthor formats a name as "Last, First".
func risAuthor(name string) string {
	a := reference.ParseAuthor(name)
	if a.First == "" {
		return a.Last
	}
	return a.Last + ", " + a.First
}

var unsafeName = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// SafeName turns a category into a file name component.
func SafeName(category string) string {
	s := strings.Trim(unsafeName.ReplaceAllString(category, "_"), "_")
	if s == "" {
		return "uncategorized"
	}
	return s
}

// WriteRISByCategory writes one file per category named
// "<prefix>_<category>.ris" in dir and returns the paths written.
func WriteRISByCategory(dir, prefix string, recs []reference.Record) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	byCat := make(map[string][]reference.Record)
	for _, rec := range recs {
		name := SafeName(rec.Category)
		byCat[name] = append(byCat[name], rec)
	}
	names := make([]string, 0, len(byCat))
	for n := range byCat {
		names = append(names, n)
	}
	sort.Strings(names)

	var paths []string
	for _, name := range names {
		path := filepath.Join(dir, prefix+"_"+name+".ris")
		if err := writeFile(path, func(w io.Writer) error { return WriteRIS(w, byCat[name]) }); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// writeFile writes path through a temporary file in the same directory.
func writeFile(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
