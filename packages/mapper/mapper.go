// Package mapper decides which route records are worth sending to the
// extraction oracle and projects them to their compact kept form.
package mapper

import (
	"strings"

	"cotations/packages/description"
	"cotations/packages/domain"
	"cotations/packages/grades"
)

type Mapper struct {
	allowed map[string]struct{}
}

// New builds a Mapper keeping only routes practicing one of the allowed
// activities. Matching is case-insensitive.
func New(allowed []string) *Mapper {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			set[a] = struct{}{}
		}
	}
	return &Mapper{allowed: set}
}

// Keep reports whether a record passes every gate: active status, an allowed
// activity, and a non-empty resolved description that mentions at least one
// grade token. A record failing any gate is dropped silently, never errored.
func (m *Mapper) Keep(rec domain.RouteRecord) bool {
	_, ok := m.Project(rec)
	return ok
}

// Project resolves the record to its kept form, reporting false when any
// filter gate fails.
func (m *Mapper) Project(rec domain.RouteRecord) (domain.KeptRoute, bool) {
	if rec.Status != domain.StatusActive {
		return domain.KeptRoute{}, false
	}
	activity, ok := m.firstAllowed(rec.Activities)
	if !ok {
		return domain.KeptRoute{}, false
	}
	text, lang := description.Resolve(rec.RawDescription)
	if text == "" {
		return domain.KeptRoute{}, false
	}
	if !grades.ContainsToken(text) {
		return domain.KeptRoute{}, false
	}
	return domain.KeptRoute{ID: rec.ID, Description: text, Activity: activity, Lang: lang}, true
}

func (m *Mapper) firstAllowed(activities []string) (string, bool) {
	for _, a := range activities {
		if _, ok := m.allowed[strings.ToLower(strings.TrimSpace(a))]; ok {
			return a, true
		}
	}
	return "", false
}
