package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads variables from .env files into the environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides configured values with environment variables.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Zotero.UserID, "ZOTERO_USER_ID")
	set(&c.Zotero.APIKey, "ZOTERO_API_KEY")
	set(&c.Zotero.DataDir, "ZOTERO_DATA_DIR")
	set(&c.LLM.BaseURL, "LLM_BASE_URL")
	set(&c.LLM.Model, "LLM_MODEL")
	set(&c.Enrich.Mailto, "UNPAYWALL_EMAIL")
	set(&c.Enrich.S2APIKey, "S2_API_KEY")

	if c.LLM.Provider == ProviderGemini {
		set(&c.LLM.APIKey, "GEMINI_API_KEY")
		return
	}
	set(&c.LLM.APIKey, "LLM_API_KEY")
	if c.LLM.APIKey == "" {
		// Fall back to Gemini when it is the only key present.
		if v, ok := lookup("GEMINI_API_KEY"); ok && v != "" {
			c.LLM.Provider = ProviderGemini
			c.LLM.APIKey = v
		}
	}
}
