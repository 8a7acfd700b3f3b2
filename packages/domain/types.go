// Package domain
package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Route status values as stored in the route table. Only StatusActive
// routes are eligible for extraction.
const (
	StatusInactive = 0
	StatusActive   = 1
)

// GradeCount is one histogram entry: a grade token and how many times the
// description mentions it.
type GradeCount struct {
	Grade string `json:"grade"`
	Count int    `json:"count"`
}

// Histogram is the ordered (grade, count) sequence persisted to the
// ai_cotations column. A nil Histogram means "never processed"; an empty
// non-nil Histogram means "processed, nothing recognized" and marshals to
// [] rather than null.
type Histogram []GradeCount

// EncodeJSON renders the bit-exact persisted shape. Nil and empty both
// encode as [].
func (h Histogram) EncodeJSON() ([]byte, error) {
	if h == nil {
		h = Histogram{}
	}
	return json.Marshal(h)
}

// IsEmpty reports whether the histogram carries no entries.
func (h Histogram) IsEmpty() bool { return len(h) == 0 }

// DecodeHistogram parses a persisted ai_cotations value. Empty, null and
// whitespace-only inputs decode to nil (callers pass "" for SQL NULL).
func DecodeHistogram(raw string) (Histogram, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var h Histogram
	if err := json.Unmarshal([]byte(trimmed), &h); err != nil {
		return nil, err
	}
	if h == nil {
		h = Histogram{}
	}
	return h, nil
}

// RouteRecord is the read-only snapshot of one route row, carrying only the
// fields the filter and extraction stages need.
type RouteRecord struct {
	ID             int64
	RawDescription string
	Activities     []string
	Status         int
	ExistingGrades Histogram
}

// Processed reports whether the route already carries a non-empty persisted
// histogram. Routes whose previous run produced an empty result stay
// re-processable.
func (r RouteRecord) Processed() bool { return len(r.ExistingGrades) > 0 }

// KeptRoute is the mapper projection: the minimal payload the extraction
// stage needs. The full RouteRecord is not carried past the filter.
type KeptRoute struct {
	ID          int64
	Description string
	Activity    string
	Lang        string
}

// PreparedRow is one line of a prepared import file: a route id and the
// cotations JSON computed for it in an earlier run.
type PreparedRow struct {
	ID        int64
	Cotations string
}

// ParseActivities accepts the raw activities column in any of the shapes the
// route table has held over time: a JSON string array, a ";" or ","
// separated list, or a single bare token. Malformed input parses to nil.
func ParseActivities(raw string) []string {
	s := strings.TrimSpace(raw)
	if s == "" || s == "null" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(s), &arr); err != nil {
			return nil
		}
		return trimmedNonEmpty(arr)
	}
	return trimmedNonEmpty(strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ','
	}))
}

// ParseStatus converts the status column, which arrives as an integer from
// the store but as text from CSV dumps. Anything non-numeric is inactive.
func ParseStatus(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return StatusInactive
	}
	return n
}

func trimmedNonEmpty(items []string) []string {
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
