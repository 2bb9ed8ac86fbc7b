package render

import "strings"

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"ru": "Russian",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"ar": "Arabic",
	"hi": "Hindi",
	"nl": "Dutch",
	"pl": "Polish",
	"tr": "Turkish",
	"sv": "Swedish",
	"da": "Danish",
	"no": "Norwegian",
	"fi": "Finnish",
	"el": "Greek",
	"he": "Hebrew",
	"th": "Thai",
	"vi": "Vietnamese",
	"id": "Indonesian",
	"uk": "Ukrainian",
	"cs": "Czech",
	"ro": "Romanian",
	"hu": "Hungarian",
}

// LanguageName resolves a language code to its display name. Unknown codes
// are returned upper-cased.
func LanguageName(code string) string {
	trimmed := strings.TrimSpace(code)
	if name, ok := languageNames[strings.ToLower(trimmed)]; ok {
		return name
	}
	return strings.ToUpper(trimmed)
}
