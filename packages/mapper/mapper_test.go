package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cotations/packages/domain"
)

func keepableRecord() domain.RouteRecord {
	return domain.RouteRecord{
		ID:             42,
		RawDescription: "Belle voie en 6a+ avec un pas de 6b",
		Activities:     []string{"rock_climbing"},
		Status:         domain.StatusActive,
	}
}

func TestKeepHappyPath(t *testing.T) {
	m := New([]string{"rock_climbing", "mountain_climbing"})
	assert.True(t, m.Keep(keepableRecord()))
}

func TestKeepGates(t *testing.T) {
	m := New([]string{"rock_climbing"})

	t.Run("inactive status", func(t *testing.T) {
		rec := keepableRecord()
		rec.Status = domain.StatusInactive
		assert.False(t, m.Keep(rec))
	})

	t.Run("disallowed activity", func(t *testing.T) {
		rec := keepableRecord()
		rec.Activities = []string{"paragliding"}
		assert.False(t, m.Keep(rec))
	})

	t.Run("no activities at all", func(t *testing.T) {
		rec := keepableRecord()
		rec.Activities = nil
		assert.False(t, m.Keep(rec))
	})

	t.Run("empty description", func(t *testing.T) {
		rec := keepableRecord()
		rec.RawDescription = ""
		assert.False(t, m.Keep(rec))
	})

	t.Run("description without grade token", func(t *testing.T) {
		rec := keepableRecord()
		rec.RawDescription = "Approche longue mais panorama magnifique"
		assert.False(t, m.Keep(rec))
	})

	t.Run("localized description without known locale", func(t *testing.T) {
		rec := keepableRecord()
		rec.RawDescription = `{"de": "Herrliche Tour im sechsten Grad"}`
		assert.False(t, m.Keep(rec))
	})
}

func TestKeepMatchesActivityCaseInsensitively(t *testing.T) {
	m := New([]string{"Rock_Climbing"})
	rec := keepableRecord()
	rec.Activities = []string{"ROCK_CLIMBING"}
	assert.True(t, m.Keep(rec))
}

func TestProjectResolvesLocalizedDescription(t *testing.T) {
	m := New([]string{"rock_climbing"})
	rec := keepableRecord()
	rec.RawDescription = `{"fr": "Départ raide en <b>5c</b>, puis ça se couche", "en": "Steep start"}`

	kept, ok := m.Project(rec)
	require.True(t, ok)
	assert.Equal(t, int64(42), kept.ID)
	assert.Equal(t, "Départ raide en 5c, puis ça se couche", kept.Description)
	assert.Equal(t, "rock_climbing", kept.Activity)
}

func TestProjectPicksFirstAllowedActivity(t *testing.T) {
	m := New([]string{"rock_climbing", "mountain_climbing"})
	rec := keepableRecord()
	rec.Activities = []string{"hiking", "mountain_climbing", "rock_climbing"}

	kept, ok := m.Project(rec)
	require.True(t, ok)
	assert.Equal(t, "mountain_climbing", kept.Activity)
}

func TestProjectRejectsRecordThatFailsAGate(t *testing.T) {
	m := New([]string{"rock_climbing"})
	rec := keepableRecord()
	rec.Status = domain.StatusInactive

	_, ok := m.Project(rec)
	assert.False(t, ok)
}
