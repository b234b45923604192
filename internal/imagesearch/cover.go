// Package imagesearch finds cover images for generated collections.
package imagesearch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/curio/internal/cache"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// CachedSearcher memoizes search results, misses included, in the shared cache.
type CachedSearcher struct {
	next   Searcher
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedSearcher(next Searcher, c cache.Cache, ttl time.Duration, logger *slog.Logger) *CachedSearcher {
	return &CachedSearcher{next: next, cache: c, ttl: ttl, logger: logger.With("component", "imagesearch")}
}

func (s *CachedSearcher) SearchByVibe(ctx context.Context, tag string) (*models.CoverImage, error) {
	key := cache.ImageSearchKey(queryHash(tag))

	if raw, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "image cache read failed", "error", err)
	} else if ok {
		var img *models.CoverImage
		if err := json.Unmarshal(raw, &img); err == nil {
			return img, nil
		}
	}

	img, err := s.next.SearchByVibe(ctx, tag)
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(img)
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		s.logger.WarnContext(ctx, "image cache write failed", "error", err)
	}
	return img, nil
}

// CoverFor returns the searched cover for tag, or the placeholder when the
// searcher is absent, fails or finds nothing.
func CoverFor(ctx context.Context, s Searcher, tag string, logger *slog.Logger) models.CoverImage {
	if s == nil {
		return Placeholder(tag)
	}
	img, err := s.SearchByVibe(ctx, tag)
	if err != nil {
		logger.WarnContext(ctx, "cover image search failed, using placeholder", "vibe", tag, "error", err)
		return Placeholder(tag)
	}
	if img == nil {
		return Placeholder(tag)
	}
	return *img
}

var placeholderColors = []string{"f4a261", "e76f51", "2a9d8f", "264653", "e9c46a", "8ab17d", "b56576", "6d597a"}

// Placeholder is the deterministic cover used when no image is found. The
// same tag always yields the same image.
func Placeholder(tag string) models.CoverImage {
	tag = normalize(tag)
	h := fnv.New32a()
	_, _ = h.Write([]byte(tag))
	color := placeholderColors[h.Sum32()%uint32(len(placeholderColors))]

	text := tag
	if text == "" {
		text = "curated"
	}
	return models.CoverImage{
		URL:         "https://placehold.co/1200x800/" + color + "/ffffff?text=" + url.QueryEscape(text),
		Attribution: "",
	}
}

func normalize(tag string) string {
	return strings.Join(strings.Fields(strings.ToLower(tag)), " ")
}

func queryHash(tag string) string {
	sum := sha256.Sum256([]byte(normalize(tag)))
	return hex.EncodeToString(sum[:8])
}
