package feed

import (
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/api/calendar/v3"
)

// Kind identifies the payload format of a fetched source.
type Kind int

const (
	// KindICS is raw iCalendar text that still needs parsing and
	// recurrence expansion.
	KindICS Kind = iota
	// KindJSON is a provider event listing already expanded to
	// concrete occurrences.
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	default:
		return "ics"
	}
}

// Entry is the cached fetch result for one source. On every successful
// fetch the entry is replaced wholesale; a failed fetch never mutates
// the previous entry.
type Entry struct {
	// Kind selects which payload field below is populated.
	Kind Kind
	// Body is the raw iCalendar document (KindICS only).
	Body []byte
	// Events is the decoded provider listing (KindJSON only).
	Events []*calendar.Event
	// ETag and LastModified are validator headers replayed on the next
	// conditional request for this source.
	ETag         string
	LastModified string
	// FetchedAt is when this content was obtained (a 304 revalidation
	// counts: it proves the content is still current).
	FetchedAt time.Time
}

// Store holds per-source cache entries with LRU eviction. All methods
// are safe for concurrent use.
type Store struct {
	entries *lru.Cache[string, Entry]
}

// NewStore creates a store bounded to size entries. Non-positive sizes
// fall back to a default large enough for any realistic source list.
func NewStore(size int) *Store {
	if size <= 0 {
		size = 256
	}
	// Error is only possible for size <= 0, which is handled above.
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		panic(err)
	}
	return &Store{entries: entries}
}

// Get returns the cached entry for a source id.
func (s *Store) Get(id string) (Entry, bool) {
	return s.entries.Get(id)
}

// Put replaces the cached entry for a source id.
func (s *Store) Put(id string, e Entry) {
	s.entries.Add(id, e)
}

// Len returns the number of cached sources.
func (s *Store) Len() int {
	return s.entries.Len()
}

// Detector decides the payload kind of a fetched response. It exists as
// an interface so the dispatch rule can be swapped without touching the
// fetch path.
type Detector interface {
	Detect(h http.Header) Kind
}

// ContentTypeDetector dispatches on the Content-Type header:
// application/json (or any +json subtype) is a provider listing,
// everything else is treated as iCalendar text.
type ContentTypeDetector struct{}

func (ContentTypeDetector) Detect(h http.Header) Kind {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return KindICS
	}
	if mt == "application/json" || strings.HasSuffix(mt, "+json") {
		return KindJSON
	}
	return KindICS
}

// FetchError reports a failed fetch for one source. Callers can match
// it with errors.As to tell fetch failures apart from parse failures.
type FetchError struct {
	SourceID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.SourceID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Result is what Fetch hands back: the entry to read events from, and
// whether it is stale content served because a refresh just failed.
type Result struct {
	Entry Entry
	Stale bool
}
