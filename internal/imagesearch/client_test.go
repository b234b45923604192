package imagesearch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/curio/internal/cache"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// --- helpers ---

func searchServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	return NewHTTPClient(baseURL, "test-key", 5*time.Second)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func photoResponse(url, author string) searchResponse {
	var p photo
	p.URLs.Regular = url
	p.User.Name = author
	return searchResponse{Total: 1, Results: []photo{p}}
}

// --- SearchByVibe tests ---

func TestSearchByVibe_ValidResponse(t *testing.T) {
	ts := searchServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/photos" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("query") != "cozy winter" {
			t.Errorf("unexpected query: %s", q.Get("query"))
		}
		if q.Get("per_page") != "1" {
			t.Errorf("unexpected per_page: %s", q.Get("per_page"))
		}
		if r.Header.Get("Authorization") != "Client-ID test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(photoResponse("https://images.example/cozy.jpg", "Jane Doe"))
	})

	img, err := newTestClient(t, ts.URL).SearchByVibe(context.Background(), "cozy winter")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img == nil {
		t.Fatal("expected image, got nil")
	}
	if img.URL != "https://images.example/cozy.jpg" {
		t.Errorf("unexpected url: %s", img.URL)
	}
	if img.Attribution != "Photo by Jane Doe" {
		t.Errorf("unexpected attribution: %s", img.Attribution)
	}
}

func TestSearchByVibe_NoResults(t *testing.T) {
	ts := searchServer(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(searchResponse{})
	})

	img, err := newTestClient(t, ts.URL).SearchByVibe(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img != nil {
		t.Errorf("expected nil image, got %+v", img)
	}
}

func TestSearchByVibe_EmptyTagSkipsRequest(t *testing.T) {
	ts := searchServer(t, func(http.ResponseWriter, *http.Request) {
		t.Error("unexpected request")
	})

	img, err := newTestClient(t, ts.URL).SearchByVibe(context.Background(), "  ")
	if err != nil || img != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", img, err)
	}
}

func TestSearchByVibe_Non200(t *testing.T) {
	ts := searchServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := newTestClient(t, ts.URL).SearchByVibe(context.Background(), "cozy")
	if !errors.Is(err, ErrSearchFailed) {
		t.Errorf("expected ErrSearchFailed, got %v", err)
	}
}

func TestSearchByVibe_Timeout(t *testing.T) {
	ts := searchServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	c := NewHTTPClient(ts.URL, "", 50*time.Millisecond)
	_, err := c.SearchByVibe(context.Background(), "cozy")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestSearchByVibe_Unreachable(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", "", time.Second)
	_, err := c.SearchByVibe(context.Background(), "cozy")
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

// --- CachedSearcher tests ---

type countingSearcher struct {
	calls atomic.Int64
	img   *models.CoverImage
	err   error
}

func (s *countingSearcher) SearchByVibe(context.Context, string) (*models.CoverImage, error) {
	s.calls.Add(1)
	return s.img, s.err
}

func TestCachedSearcher_HitsCache(t *testing.T) {
	next := &countingSearcher{img: &models.CoverImage{URL: "https://images.example/a.jpg"}}
	s := NewCachedSearcher(next, cache.NewMemoryCache(), time.Hour, discardLogger())

	for i := 0; i < 3; i++ {
		img, err := s.SearchByVibe(context.Background(), "Cozy  Winter")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if img == nil || img.URL != "https://images.example/a.jpg" {
			t.Fatalf("unexpected image: %+v", img)
		}
	}
	if _, err := s.SearchByVibe(context.Background(), "cozy winter"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", next.calls.Load())
	}
}

func TestCachedSearcher_CachesMisses(t *testing.T) {
	next := &countingSearcher{}
	s := NewCachedSearcher(next, cache.NewMemoryCache(), time.Hour, discardLogger())

	for i := 0; i < 2; i++ {
		img, err := s.SearchByVibe(context.Background(), "obscure")
		if err != nil || img != nil {
			t.Fatalf("expected (nil, nil), got (%v, %v)", img, err)
		}
	}
	if next.calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", next.calls.Load())
	}
}

func TestCachedSearcher_DoesNotCacheErrors(t *testing.T) {
	next := &countingSearcher{err: ErrUnreachable}
	s := NewCachedSearcher(next, cache.NewMemoryCache(), time.Hour, discardLogger())

	for i := 0; i < 2; i++ {
		if _, err := s.SearchByVibe(context.Background(), "cozy"); !errors.Is(err, ErrUnreachable) {
			t.Fatalf("expected ErrUnreachable, got %v", err)
		}
	}
	if next.calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls, got %d", next.calls.Load())
	}
}

// --- CoverFor / Placeholder tests ---

func TestCoverFor_FallsBackToPlaceholder(t *testing.T) {
	tests := []struct {
		name     string
		searcher Searcher
	}{
		{"nil searcher", nil},
		{"search error", &countingSearcher{err: ErrTimeout}},
		{"no match", &countingSearcher{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CoverFor(context.Background(), tt.searcher, "golden hour", discardLogger())
			if got != Placeholder("golden hour") {
				t.Errorf("expected placeholder, got %+v", got)
			}
		})
	}
}

func TestCoverFor_UsesSearchResult(t *testing.T) {
	want := models.CoverImage{URL: "https://images.example/b.jpg", Attribution: "Photo by A"}
	got := CoverFor(context.Background(), &countingSearcher{img: &want}, "golden hour", discardLogger())
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestPlaceholder_Deterministic(t *testing.T) {
	a := Placeholder("Golden Hour")
	b := Placeholder("  golden   hour ")
	if a != b {
		t.Errorf("expected equal placeholders, got %+v and %+v", a, b)
	}
	if a.URL == "" {
		t.Error("placeholder url is empty")
	}
	if empty := Placeholder(""); empty.URL == "" {
		t.Error("empty tag should still produce a url")
	}
}
