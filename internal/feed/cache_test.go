package feed

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	s := NewStore(2)
	s.Put("a", Entry{ETag: "a"})
	s.Put("b", Entry{ETag: "b"})
	s.Put("c", Entry{ETag: "c"})

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")

	got, ok := s.Get("c")
	require.True(t, ok)
	assert.Equal(t, "c", got.ETag)
}

func TestStorePutReplacesWholesale(t *testing.T) {
	s := NewStore(4)
	s.Put("a", Entry{Kind: KindICS, Body: []byte("old"), ETag: "v1"})
	s.Put("a", Entry{Kind: KindICS, Body: []byte("new")})

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "new", string(got.Body))
	assert.Empty(t, got.ETag, "replacement must not inherit old validators")
}

func TestContentTypeDetector(t *testing.T) {
	tests := []struct {
		contentType string
		want        Kind
	}{
		{"text/calendar; charset=utf-8", KindICS},
		{"text/plain", KindICS},
		{"application/json", KindJSON},
		{"application/json; charset=utf-8", KindJSON},
		{"application/calendar+json", KindJSON},
		{"", KindICS},
		{"not a media type;;;", KindICS},
	}
	var d ContentTypeDetector
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			h := http.Header{}
			if tt.contentType != "" {
				h.Set("Content-Type", tt.contentType)
			}
			assert.Equal(t, tt.want, d.Detect(h))
		})
	}
}

func TestFetchErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := error(&FetchError{SourceID: "cal-1", Err: inner})

	assert.Equal(t, "fetch cal-1: boom", err.Error())
	assert.True(t, errors.Is(err, inner))

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "cal-1", fe.SourceID)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "ics", KindICS.String())
	assert.Equal(t, "json", KindJSON.String())
}
