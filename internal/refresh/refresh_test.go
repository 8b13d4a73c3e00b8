package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homeboard/internal/feed"
	"homeboard/internal/model"
)

type fakeRegistry struct {
	sources []model.Source
	err     error
}

func (f *fakeRegistry) List(ctx context.Context) ([]model.Source, error) {
	return f.sources, f.err
}

type fakeFetcher struct {
	mu        sync.Mutex
	calls     map[string]int
	errs      map[string]error
	onRefresh func(id string)
}

func (f *fakeFetcher) Refresh(ctx context.Context, src model.Source) (feed.Entry, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[src.ID]++
	cb := f.onRefresh
	f.mu.Unlock()

	if cb != nil {
		cb(src.ID)
	}
	if err, ok := f.errs[src.ID]; ok {
		return feed.Entry{}, err
	}
	return feed.Entry{}, nil
}

func (f *fakeFetcher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeWeather struct {
	enabled   bool
	err       error
	mu        sync.Mutex
	refreshes int
}

func (f *fakeWeather) Enabled() bool { return f.enabled }

func (f *fakeWeather) Refresh(ctx context.Context) error {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	return f.err
}

func (f *fakeWeather) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func TestRunOnceRefreshesEverySource(t *testing.T) {
	reg := &fakeRegistry{sources: []model.Source{
		{ID: "a", Name: "A", FeedURL: "https://a"},
		{ID: "b", Name: "B", FeedURL: "https://b"},
	}}
	fetcher := &fakeFetcher{}
	wx := &fakeWeather{enabled: true}

	New(reg, fetcher, wx, "*/15 * * * *", time.Second).RunOnce(context.Background())

	assert.Equal(t, 1, fetcher.count("a"))
	assert.Equal(t, 1, fetcher.count("b"))
	assert.Equal(t, 1, wx.count())
}

func TestRunOnceContinuesPastFailures(t *testing.T) {
	reg := &fakeRegistry{sources: []model.Source{
		{ID: "bad", Name: "Bad", FeedURL: "https://bad"},
		{ID: "good", Name: "Good", FeedURL: "https://good"},
	}}
	fetcher := &fakeFetcher{errs: map[string]error{"bad": errors.New("down")}}

	New(reg, fetcher, nil, "*/15 * * * *", time.Second).RunOnce(context.Background())

	assert.Equal(t, 1, fetcher.count("bad"))
	assert.Equal(t, 1, fetcher.count("good"), "a failing source must not end the cycle")
}

func TestRunOnceSkipsDisabledWeather(t *testing.T) {
	reg := &fakeRegistry{}
	wx := &fakeWeather{enabled: false}

	New(reg, &fakeFetcher{}, wx, "*/15 * * * *", time.Second).RunOnce(context.Background())

	assert.Equal(t, 0, wx.count())
}

func TestRunOnceAbortsWhenListingFails(t *testing.T) {
	reg := &fakeRegistry{err: errors.New("db locked")}
	fetcher := &fakeFetcher{}

	New(reg, fetcher, nil, "*/15 * * * *", time.Second).RunOnce(context.Background())

	assert.Empty(t, fetcher.calls)
}

func TestStartRejectsBadSpec(t *testing.T) {
	r := New(&fakeRegistry{}, &fakeFetcher{}, nil, "every so often", time.Second)
	require.Error(t, r.Start())
}

func TestStartPrimesCachesImmediately(t *testing.T) {
	done := make(chan struct{}, 1)
	reg := &fakeRegistry{sources: []model.Source{{ID: "a", Name: "A", FeedURL: "https://a"}}}
	fetcher := &fakeFetcher{onRefresh: func(string) {
		select {
		case done <- struct{}{}:
		default:
		}
	}}

	r := New(reg, fetcher, nil, "*/15 * * * *", time.Second)
	require.NoError(t, r.Start())
	defer r.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("initial refresh did not run")
	}
}
