// Package lang holds the catalogue of languages the translation pipeline can
// produce, keyed by ISO 639-1 code.
package lang

import "sort"

// Language describes one supported translation target.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// DefaultTarget is the target language assumed when a client joins without
// specifying one.
const DefaultTarget = "es"

var catalogue = map[string]string{
	"ar": "Arabic",
	"cs": "Czech",
	"de": "German",
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"hi": "Hindi",
	"hu": "Hungarian",
	"it": "Italian",
	"ja": "Japanese",
	"ko": "Korean",
	"nl": "Dutch",
	"pl": "Polish",
	"pt": "Portuguese",
	"ru": "Russian",
	"tr": "Turkish",
	"uk": "Ukrainian",
	"zh": "Chinese",
}

// Supported reports whether code names a language the pipeline can target.
func Supported(code string) bool {
	_, ok := catalogue[code]
	return ok
}

// Name returns the English display name for a language code, or the code
// itself when unknown.
func Name(code string) string {
	if name, ok := catalogue[code]; ok {
		return name
	}
	return code
}

// All returns every supported language sorted by code.
func All() []Language {
	langs := make([]Language, 0, len(catalogue))
	for code, name := range catalogue {
		langs = append(langs, Language{Code: code, Name: name})
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].Code < langs[j].Code })
	return langs
}
