package gcal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"homeboard/internal/model"
)

func testWindow(t *testing.T) model.Window {
	t.Helper()
	w, err := model.NewWindow(
		time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	return w
}

func TestNormalizeTimedEvent(t *testing.T) {
	src := model.Source{ID: "g-1", Name: "Family", Color: "red"}
	items := []*calendar.Event{
		{Summary: "Recital", Start: &calendar.EventDateTime{DateTime: "2026-03-04T18:00:00Z"}},
	}

	got := Normalize(src, items, testWindow(t), time.UTC)
	require.Len(t, got, 1)
	assert.Equal(t, "Recital", got[0].Summary)
	assert.True(t, got[0].Start.Equal(time.Date(2026, 3, 4, 18, 0, 0, 0, time.UTC)))
	assert.False(t, got[0].AllDay)
	assert.Equal(t, "Family", got[0].Calendar)
	assert.Equal(t, "red", got[0].Color)
}

func TestNormalizeTimedEventWithOffset(t *testing.T) {
	src := model.Source{ID: "g-1", Name: "Family"}
	items := []*calendar.Event{
		{Summary: "Dinner", Start: &calendar.EventDateTime{DateTime: "2026-03-04T19:00:00+09:00"}},
	}

	got := Normalize(src, items, testWindow(t), time.UTC)
	require.Len(t, got, 1)
	assert.True(t, got[0].Start.Equal(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)))
}

func TestNormalizeAllDayEvent(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	src := model.Source{ID: "g-1", Name: "Family"}
	items := []*calendar.Event{
		{Summary: "Holiday", Start: &calendar.EventDateTime{Date: "2026-03-05"}},
	}

	got := Normalize(src, items, testWindow(t), seoul)
	require.Len(t, got, 1)
	assert.True(t, got[0].AllDay)
	assert.True(t, got[0].Start.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, seoul)))
}

func TestNormalizeSkipsUninterpretableItems(t *testing.T) {
	src := model.Source{ID: "g-1", Name: "Family"}
	items := []*calendar.Event{
		nil,
		{Summary: "No start at all"},
		{Summary: "Empty start", Start: &calendar.EventDateTime{}},
		{Summary: "Bad dateTime", Start: &calendar.EventDateTime{DateTime: "tomorrow-ish"}},
		{Summary: "Bad date", Start: &calendar.EventDateTime{Date: "03/05/2026"}},
		{Summary: "Survivor", Start: &calendar.EventDateTime{DateTime: "2026-03-04T18:00:00Z"}},
	}

	got := Normalize(src, items, testWindow(t), time.UTC)
	require.Len(t, got, 1, "bad items must not take out their siblings")
	assert.Equal(t, "Survivor", got[0].Summary)
}

func TestNormalizeFiltersByWindow(t *testing.T) {
	win := testWindow(t)
	src := model.Source{ID: "g-1", Name: "Family"}
	items := []*calendar.Event{
		{Summary: "Before", Start: &calendar.EventDateTime{DateTime: "2026-03-01T23:59:59Z"}},
		{Summary: "At start", Start: &calendar.EventDateTime{DateTime: "2026-03-02T00:00:00Z"}},
		{Summary: "At end", Start: &calendar.EventDateTime{DateTime: "2026-03-09T00:00:00Z"}},
		{Summary: "After", Start: &calendar.EventDateTime{DateTime: "2026-03-10T08:00:00Z"}},
	}

	got := Normalize(src, items, win, time.UTC)
	require.Len(t, got, 1)
	assert.Equal(t, "At start", got[0].Summary)
}

func TestCredentialsTokenSource(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh token path", func(t *testing.T) {
		c := Credentials{ClientID: "id", ClientSecret: "secret", RefreshToken: "refresh"}
		assert.NotNil(t, c.TokenSource(ctx))
	})

	t.Run("static access token path", func(t *testing.T) {
		c := Credentials{AccessToken: "abc"}
		ts := c.TokenSource(ctx)
		require.NotNil(t, ts)
		tok, err := ts.Token()
		require.NoError(t, err)
		assert.Equal(t, "abc", tok.AccessToken)
	})

	t.Run("no material", func(t *testing.T) {
		assert.Nil(t, Credentials{}.TokenSource(ctx))
	})
}
