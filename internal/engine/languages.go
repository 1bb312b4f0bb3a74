package engine

import (
	"strings"

	"golang.org/x/text/language"
)

// defaultLanguageCodes maps internal language codes to the engine's codes
var defaultLanguageCodes = map[string]string{
	"en":      "en",
	"en-US":   "en",
	"en-GB":   "en",
	"zh":      "zh-CN",
	"zh-CN":   "zh-CN",
	"zh-Hans": "zh-CN",
	"zh-TW":   "zh-TW",
	"zh-HK":   "zh-TW",
	"zh-Hant": "zh-TW",
	"pt":      "pt-PT",
	"pt-PT":   "pt-PT",
	"pt-BR":   "pt-BR",
	"ja":      "ja",
	"ko":      "ko",
	"vi":      "vi",
	"th":      "th",
	"id":      "id",
	"fr":      "fr",
	"de":      "de",
	"es":      "es",
	"it":      "it",
	"ru":      "ru",
	"nb":      "no",
	"no":      "no",
	"he":      "iw",
	"fil":     "tl",
}

// LanguageMap translates internal language codes into engine codes
type LanguageMap struct {
	codes map[string]string
}

// NewLanguageMap builds the lookup table, overrides win over the built-in entries
func NewLanguageMap(overrides map[string]string) *LanguageMap {
	codes := make(map[string]string, len(defaultLanguageCodes)+len(overrides))
	for k, v := range defaultLanguageCodes {
		codes[k] = v
	}
	for k, v := range overrides {
		codes[k] = v
	}
	return &LanguageMap{codes: codes}
}

// Code returns the engine code for internal. Unmapped codes pass through unchanged.
func (m *LanguageMap) Code(internal string) string {
	trimmed := strings.TrimSpace(internal)
	if code, ok := m.codes[trimmed]; ok {
		return code
	}

	// Try the canonical form so "zh-hant" or "pt_br" still hit the table
	tag, err := language.Parse(strings.ReplaceAll(trimmed, "_", "-"))
	if err != nil {
		return internal
	}
	if code, ok := m.codes[tag.String()]; ok {
		return code
	}

	return internal
}
