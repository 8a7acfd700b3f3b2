// Package reducer canonicalizes raw oracle output into the persisted
// histogram shape.
package reducer

import (
	"encoding/json"
	"strings"

	"cotations/packages/domain"
	"cotations/packages/grades"
)

// Normalize turns raw oracle text into a canonical histogram. It never
// errors: anything unusable collapses to the empty (non-nil) marker, which
// persists as []. Validation salvages per entry, so one malformed element
// does not discard its valid neighbors.
//
// Oracles wrap their answer in prose or markdown fences often enough that
// the first balanced JSON array found in the text is taken as the payload;
// when no array closes, the whole input is parsed as a last resort.
func Normalize(raw string) domain.Histogram {
	payload := firstJSONArray(raw)
	if payload == "" {
		payload = strings.TrimSpace(raw)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return domain.Histogram{}
	}

	pairs := make([]domain.GradeCount, 0, len(entries))
	for _, entry := range entries {
		var e struct {
			Grade *string      `json:"grade"`
			Count *json.Number `json:"count"`
		}
		if err := json.Unmarshal(entry, &e); err != nil {
			continue
		}
		if e.Grade == nil || e.Count == nil {
			continue
		}
		n, err := e.Count.Int64()
		if err != nil || n <= 0 {
			continue
		}
		if !grades.Valid(*e.Grade) {
			continue
		}
		pairs = append(pairs, domain.GradeCount{Grade: *e.Grade, Count: int(n)})
	}

	return grades.SortAndMerge(pairs)
}

// firstJSONArray returns the first balanced top-level JSON array in s, or ""
// when none closes. Bracket counting ignores brackets inside JSON strings.
func firstJSONArray(s string) string {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
