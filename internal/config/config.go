// Package config loads the pipeline configuration: a YAML file with one
// section per stage, overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole pipeline configuration.
type Config struct {
	// StateDir holds the records file, the run ledger and exports.
	StateDir string        `yaml:"state_dir"`
	Zotero   ZoteroConfig  `yaml:"zotero"`
	LLM      LLMConfig     `yaml:"llm"`
	Import   ImportConfig  `yaml:"import"`
	Enrich   EnrichConfig  `yaml:"enrich"`
	Summary  SummaryConfig `yaml:"summary"`
	Export   ExportConfig  `yaml:"export"`
	Log      LogConfig     `yaml:"log"`
}

// ZoteroConfig locates the library and its local storage.
type ZoteroConfig struct {
	UserID  string `yaml:"user_id"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
	// DataDir is the local Zotero data directory containing storage/.
	DataDir string `yaml:"data_dir"`
	// LinkedBaseDir resolves "attachments:" relative paths of linked files.
	LinkedBaseDir string `yaml:"linked_base_dir,omitempty"`
}

// LLMConfig selects the generative backend.
type LLMConfig struct {
	// Provider is "openai" for any OpenAI-compatible endpoint, or "gemini".
	Provider       string        `yaml:"provider"`
	BaseURL        string        `yaml:"base_url,omitempty"`
	APIKey         string        `yaml:"api_key,omitempty"`
	Model          string        `yaml:"model"`
	FallbackModel  string        `yaml:"fallback_model,omitempty"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Backoff        time.Duration `yaml:"backoff"`
	MaxTokens      int           `yaml:"max_tokens"`
	MaxWords       int           `yaml:"max_words"`
	OutputLanguage string        `yaml:"output_language,omitempty"`
	PromptFile     string        `yaml:"prompt_file,omitempty"`
	RequestsPerMin float64       `yaml:"requests_per_minute,omitempty"`
}

// ImportConfig controls reading lists and pushing records.
type ImportConfig struct {
	Sources       []string `yaml:"sources"`
	HeadingLevels []int    `yaml:"heading_levels,omitempty"`
	Categories    []string `yaml:"categories,omitempty"`
	Collection    string   `yaml:"collection,omitempty"`
	PerCategory   bool     `yaml:"per_category"`
	Tags          []string `yaml:"tags,omitempty"`
	DryRun        bool     `yaml:"dry_run"`
}

// EnrichConfig controls metadata lookups.
type EnrichConfig struct {
	Enabled bool   `yaml:"enabled"`
	Workers int    `yaml:"workers"`
	Mailto  string `yaml:"mailto,omitempty"`
	// S2APIKey raises the Semantic Scholar rate limit.
	S2APIKey string `yaml:"s2_api_key,omitempty"`
}

// SummaryConfig controls the summarization run.
type SummaryConfig struct {
	Collection     string `yaml:"collection,omitempty"`
	CollectionName string `yaml:"collection_name,omitempty"`
	Tag            string `yaml:"tag,omitempty"`
	Recursive      bool   `yaml:"recursive"`
	Limit          int    `yaml:"limit"`
	MaxPages       int    `yaml:"max_pages"`
	MaxChars       int    `yaml:"max_chars"`
	NoteTag        string `yaml:"note_tag"`
	Marker         string `yaml:"marker,omitempty"`
	SummaryDir     string `yaml:"summary_dir,omitempty"`
	InsertNote     bool   `yaml:"insert_note"`
	Force          bool   `yaml:"force"`
	Workers        int    `yaml:"workers"`
}

// ExportConfig controls citation exports.
type ExportConfig struct {
	Dir         string `yaml:"dir"`
	Prefix      string `yaml:"prefix"`
	Format      string `yaml:"format"`
	PerCategory bool   `yaml:"per_category"`
}

// LogConfig controls diagnostics on stderr.
type LogConfig struct {
	Verbose bool `yaml:"verbose"`
	JSON    bool `yaml:"json"`
}

const (
	// StateDirName is the default state directory, relative to the working directory.
	StateDirName = ".paperflow"
	RecordsFile  = "records.jsonl"
	DBFile       = "paperflow.db"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	FormatRIS    = "ris"
	FormatBibTeX = "bibtex"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Default returns the configuration used when no file sets a value.
func Default() Config {
	return Config{
		StateDir: StateDirName,
		LLM: LLMConfig{
			Provider:    ProviderOpenAI,
			Timeout:     5 * time.Minute,
			MaxAttempts: 3,
			Backoff:     2 * time.Second,
			MaxTokens:   4096,
			MaxWords:    800,
		},
		Import: ImportConfig{HeadingLevels: []int{2}, PerCategory: true},
		Enrich: EnrichConfig{Workers: 4},
		Summary: SummaryConfig{
			Recursive:  true,
			Limit:      200,
			MaxPages:   80,
			MaxChars:   80000,
			NoteTag:    "AI总结",
			SummaryDir: "summaries",
			InsertNote: true,
			Workers:    2,
		},
		Export: ExportConfig{Dir: "export", Prefix: "papers", Format: FormatRIS, PerCategory: true},
	}
}

// Load reads the file at path over the defaults and applies environment
// overrides. A missing file is not an error when path is the default path.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.expandPaths()
	return cfg, nil
}

// DefaultPath returns $XDG_CONFIG_HOME/paperflow/config.yml.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "paperflow", "config.yml")
}

func (c *Config) expandPaths() {
	c.StateDir = ExpandPath(c.StateDir)
	c.Zotero.DataDir = ExpandPath(c.Zotero.DataDir)
	c.Zotero.LinkedBaseDir = ExpandPath(c.Zotero.LinkedBaseDir)
	c.LLM.PromptFile = ExpandPath(c.LLM.PromptFile)
	c.Summary.SummaryDir = ExpandPath(c.Summary.SummaryDir)
	c.Export.Dir = ExpandPath(c.Export.Dir)
	for i, s := range c.Import.Sources {
		c.Import.Sources[i] = ExpandPath(s)
	}
}

// RecordsPath returns the records file in the state directory.
func (c Config) RecordsPath() string {
	return filepath.Join(c.StateDir, RecordsFile)
}

// DBPath returns the run ledger database in the state directory.
func (c Config) DBPath() string {
	return filepath.Join(c.StateDir, DBFile)
}

// StoragePath returns the Zotero attachment storage directory, or "" when
// no data directory is configured.
func (c Config) StoragePath() string {
	if c.Zotero.DataDir == "" {
		return ""
	}
	return filepath.Join(c.Zotero.DataDir, "storage")
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// ValidateLibrary checks the settings every library command needs.
func (c Config) ValidateLibrary() error {
	var missing []string
	if c.Zotero.UserID == "" {
		missing = append(missing, "zotero.user_id (ZOTERO_USER_ID)")
	}
	if c.Zotero.APIKey == "" {
		missing = append(missing, "zotero.api_key (ZOTERO_API_KEY)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateSummary checks the settings of a summarization run.
func (c Config) ValidateSummary() error {
	if err := c.ValidateLibrary(); err != nil {
		return err
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("%w: llm.provider %q (want %s or %s)", ErrInvalid, c.LLM.Provider, ProviderOpenAI, ProviderGemini)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("%w: missing llm.api_key (LLM_API_KEY or GEMINI_API_KEY)", ErrInvalid)
	}
	if c.LLM.Model == "" && c.LLM.FallbackModel == "" {
		return fmt.Errorf("%w: missing llm.model (LLM_MODEL)", ErrInvalid)
	}
	s := c.Summary
	// Zero requests no content: every item ends as extract_failed without a
	// model call.
	if s.MaxPages < 0 || s.MaxChars < 0 {
		return fmt.Errorf("%w: summary.max_pages and summary.max_chars must not be negative", ErrInvalid)
	}
	if s.Limit < 0 {
		return fmt.Errorf("%w: summary.limit must not be negative", ErrInvalid)
	}
	if !s.InsertNote && s.SummaryDir == "" {
		return fmt.Errorf("%w: summary.insert_note is off and no summary_dir is set, summaries would be discarded", ErrInvalid)
	}
	if s.Workers < 1 {
		return fmt.Errorf("%w: summary.workers must be at least 1", ErrInvalid)
	}
	return nil
}

// ValidateExport checks the export settings.
func (c Config) ValidateExport() error {
	switch c.Export.Format {
	case FormatRIS, FormatBibTeX:
		return nil
	}
	return fmt.Errorf("%w: export.format %q (want %s or %s)", ErrInvalid, c.Export.Format, FormatRIS, FormatBibTeX)
}
