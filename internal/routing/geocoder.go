package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/tripcore/internal/common/logger"
)

type GeocodeResult struct {
	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
	FormattedAddress string  `json:"formattedAddress"`
}

// Geocoder resolves free-text addresses. A nil result or an empty address
// with a nil error means "not found".
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*GeocodeResult, error)
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// CachedGeocoder remembers answers, including "not found", for a while.
// Errors are not cached.
type CachedGeocoder struct {
	next   Geocoder
	cache  gcache.Cache
	logger logger.Logger
}

type cachedAnswer struct {
	result  *GeocodeResult
	address string
}

func NewCachedGeocoder(next Geocoder, size int, ttl time.Duration, log logger.Logger) *CachedGeocoder {
	if size <= 0 {
		size = 1000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedGeocoder{
		next: next,
		cache: gcache.New(size).
			LRU().
			Expiration(ttl).
			Build(),
		logger: log,
	}
}

func (g *CachedGeocoder) Geocode(ctx context.Context, address string) (*GeocodeResult, error) {
	key := "fwd:" + strings.ToLower(strings.Join(strings.Fields(address), " "))
	if v, err := g.cache.Get(key); err == nil {
		return v.(cachedAnswer).result, nil
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		g.logger.Warn("Geocode cache lookup failed", "error", err)
	}

	res, err := g.next.Geocode(ctx, address)
	if err != nil {
		return nil, err
	}
	g.cache.Set(key, cachedAnswer{result: res})
	return res, nil
}

func (g *CachedGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	key := fmt.Sprintf("rev:%.5f,%.5f", lat, lon)
	if v, err := g.cache.Get(key); err == nil {
		return v.(cachedAnswer).address, nil
	}

	addr, err := g.next.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		return "", err
	}
	g.cache.Set(key, cachedAnswer{address: addr})
	return addr, nil
}

// Len is the number of cached answers, expired ones included.
func (g *CachedGeocoder) Len() int {
	return g.cache.Len(false)
}
