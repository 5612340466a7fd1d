// Package geocode resolves addresses against a Nominatim-compatible HTTP
// service.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/routing"
)

const (
	defaultTimeout = 10 * time.Second
	maxAttempts    = 3
)

var ErrNoURL = errors.New("geocoder url not configured")

type Config struct {
	URL       string
	UserAgent string
	// CountryCodes narrows searches, e.g. "au".
	CountryCodes string
	Timeout      time.Duration
	RetryDelay   time.Duration
}

type Client struct {
	cfg    Config
	client *http.Client
	logger logger.Logger
}

func New(cfg Config, log logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: log,
	}
}

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

type reversePlace struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// Geocode returns the best match for address, or nil when there is none.
func (c *Client) Geocode(ctx context.Context, address string) (*routing.GeocodeResult, error) {
	if c.cfg.URL == "" {
		return nil, ErrNoURL
	}
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	if c.cfg.CountryCodes != "" {
		q.Set("countrycodes", c.cfg.CountryCodes)
	}

	var places []place
	if err := c.get(ctx, "/search", q, &places); err != nil {
		return nil, err
	}
	if len(places) == 0 {
		c.logger.Debug("Address not found", "address", address)
		return nil, nil
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing latitude %q: %w", places[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing longitude %q: %w", places[0].Lon, err)
	}
	return &routing.GeocodeResult{Lat: lat, Lon: lon, FormattedAddress: places[0].DisplayName}, nil
}

// ReverseGeocode returns "" when nothing is known at the point.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	if c.cfg.URL == "" {
		return "", ErrNoURL
	}
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	q.Set("format", "jsonv2")

	var p reversePlace
	if err := c.get(ctx, "/reverse", q, &p); err != nil {
		return "", err
	}
	if p.Error != "" {
		return "", nil
	}
	return p.DisplayName, nil
}

// get retries 429 and 5xx answers. Other failures are returned at once.
func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	endpoint := c.cfg.URL + path + "?" + q.Encode()

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if c.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", c.cfg.UserAgent)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("executing request to %s: %w", path, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("geocoder returned status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("geocoder returned status %d", resp.StatusCode))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding %s response: %w", path, err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Geocoder request failed, retrying", "path", path, "error", err, "wait", wait)
	}
	return backoff.RetryNotify(operation, policy, notify)
}
