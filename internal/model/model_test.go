package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowContains(t *testing.T) {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	win, err := NewWindow(start, end)
	require.NoError(t, err)

	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"inside", start.Add(24 * time.Hour), true},
		{"at start (inclusive)", start, true},
		{"at end (exclusive)", end, false},
		{"just before end", end.Add(-time.Second), true},
		{"before start", start.Add(-time.Second), false},
		{"after end", end.Add(time.Hour), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, win.Contains(tc.t))
		})
	}
}

func TestNewWindowRejectsInvertedRange(t *testing.T) {
	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	_, err := NewWindow(at, at)
	require.Error(t, err)

	_, err = NewWindow(at, at.Add(-time.Hour))
	require.Error(t, err)
}

func TestSourceValidate(t *testing.T) {
	cases := []struct {
		name    string
		src     Source
		wantErr bool
	}{
		{"feed source", Source{ID: "a", FeedURL: "https://example.com/a.ics"}, false},
		{"cloud source", Source{ID: "b", GoogleID: "family@group.calendar.google.com"}, false},
		{"neither address", Source{ID: "c"}, true},
		{"both addresses", Source{ID: "d", FeedURL: "https://example.com/d.ics", GoogleID: "d@x"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.src.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSourceIsCloud(t *testing.T) {
	assert.False(t, Source{FeedURL: "https://example.com/a.ics"}.IsCloud())
	assert.True(t, Source{GoogleID: "family@group.calendar.google.com"}.IsCloud())
}
