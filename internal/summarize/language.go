package summarize

import (
	"sync"

	"github.com/pemistahl/lingua-go"
)

// detectSample bounds how much text language detection looks at.
const detectSample = 2000

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

func languageDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(
				lingua.English, lingua.Chinese, lingua.Japanese, lingua.Korean,
				lingua.German, lingua.French, lingua.Spanish, lingua.Italian,
				lingua.Portuguese, lingua.Russian,
			).
			WithLowAccuracyMode().
			Build()
	})
	return detector
}

// DetectLanguage names the language of text, or returns "" when unsure.
func DetectLanguage(text string) string {
	runes := []rune(text)
	if len(runes) > detectSample {
		runes = runes[:detectSample]
	}
	if len(runes) == 0 {
		return ""
	}
	lang, ok := languageDetector().DetectLanguageOf(string(runes))
	if !ok {
		return ""
	}
	return lang.String()
}
