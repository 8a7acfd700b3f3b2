package description

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePrefersFrench(t *testing.T) {
	raw := `{"en": "Nice crack climb", "fr": "Belle fissure régulière qui remonte toute la face sud jusqu'au sommet", "it": "Bella fessura"}`
	text, lang := Resolve(raw)
	assert.Equal(t, "Belle fissure régulière qui remonte toute la face sud jusqu'au sommet", text)
	assert.Equal(t, "fra", lang)
}

func TestResolveFallsBackToEnglishThenItalian(t *testing.T) {
	text, _ := Resolve(`{"en": "Classic ridge traverse", "it": "Cresta classica"}`)
	assert.Equal(t, "Classic ridge traverse", text)

	text, lang := Resolve(`{"it": "Via lunga e sostenuta sulla parete sud"}`)
	assert.Equal(t, "Via lunga e sostenuta sulla parete sud", text)
	assert.NotEmpty(t, lang)
}

func TestResolveObjectWithoutKnownLocaleIsEmpty(t *testing.T) {
	text, lang := Resolve(`{"de": "Schöne Route", "es": "Bonita vía"}`)
	assert.Empty(t, text)
	assert.Empty(t, lang)
}

func TestResolveSkipsBlankLocales(t *testing.T) {
	text, _ := Resolve(`{"fr": "  ", "en": "Short but steep"}`)
	assert.Equal(t, "Short but steep", text)
}

func TestResolvePassesPlainTextThrough(t *testing.T) {
	text, _ := Resolve("Voie historique, 5 longueurs en 5c max")
	assert.Equal(t, "Voie historique, 5 longueurs en 5c max", text)
}

func TestResolveMalformedJSONIsRawText(t *testing.T) {
	text, _ := Resolve(`{"fr": "truncated`)
	assert.Equal(t, `{"fr": "truncated`, text)
}

func TestSanitizeStripsMarkup(t *testing.T) {
	in := "<p>Premier pas en <b>6a</b></p><script>alert(1)</script>"
	assert.Equal(t, "Premier pas en 6a", Sanitize(in))
}

func TestSanitizeCollapsesWhitespace(t *testing.T) {
	in := "ligne\tdroite\n\n  et   pure\r\n"
	assert.Equal(t, "ligne droite et pure", Sanitize(in))
}

func TestDetectEmptyText(t *testing.T) {
	assert.Empty(t, Detect(""))
	assert.Empty(t, Detect("   "))
}
