// Package description resolves the route description column into plain text.
// The column holds either a JSON object keyed by language code or raw text;
// resolution prefers French, then English, then Italian.
package description

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/abadojack/whatlanggo"
)

// Locale preference for multilingual descriptions: fr first, then en, then it.
var localePriority = []string{"fr", "en", "it"}

// Resolve returns the displayable text for a raw description column value and
// the ISO-639-3 code of its detected language. A JSON object with none of the
// known locales resolves to empty text.
func Resolve(raw string) (text string, lang string) {
	text = Sanitize(pickLocale(raw))
	return text, Detect(text)
}

// pickLocale unwraps a language-keyed JSON object. Anything that is not a
// JSON object passes through untouched.
func pickLocale(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return raw
	}

	var locales map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &locales); err != nil {
		return raw
	}

	for _, code := range localePriority {
		val, ok := locales[code]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			continue
		}
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// Sanitize strips markup and collapses all whitespace runs to single spaces.
func Sanitize(s string) string {
	if strings.Contains(s, "<") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			doc.Find("script, style, noscript").Remove()
			s = doc.Text()
		}
	}
	re := strings.NewReplacer("\n", " ", "\t", " ", "\r", " ")
	return strings.Join(strings.Fields(re.Replace(s)), " ")
}

// Detect returns the ISO-639-3 code for the text's language, sampling at most
// the first 100 words. Empty text detects as empty.
func Detect(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	words := strings.Fields(text)
	if len(words) > 100 {
		text = strings.Join(words[:100], " ")
	}
	info := whatlanggo.Detect(text)
	return info.Lang.Iso6393()
}
