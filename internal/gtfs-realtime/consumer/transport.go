package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const UserAgent = "tripcore/1.0"

// request is one feed call. endpoint is a short name used for metrics and
// cache keys.
type request struct {
	endpoint string
	path     string
	params   url.Values
}

func (r request) cacheKey() string {
	return r.endpoint + ":" + r.path + "?" + r.params.Encode()
}

// fetchOnce performs a single HTTP round trip and decodes the envelope.
// Every failure is folded into the returned Outcome.
func fetchOnce[T any](ctx context.Context, c *Client, req request) (T, Outcome) {
	var zero T

	if !c.limiter.allow(c.now()) {
		c.metrics.LocalRateLimited()
		c.metrics.FeedRequest(req.endpoint, RateLimited.String(), 0)
		return zero, RateLimited
	}

	params := url.Values{}
	for k, v := range req.params {
		params[k] = v
	}
	params.Set("key", c.cfg.APIKey)
	u := strings.TrimRight(c.cfg.BaseURL, "/") + req.path + "?" + params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		c.logger.Error("Failed to create request", "endpoint", req.endpoint, "error", err)
		return zero, Fatal
	}
	httpReq.Header.Set("User-Agent", UserAgent)
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Debug("Feed request failed", "endpoint", req.endpoint, "error", err)
		}
		c.metrics.FeedRequest(req.endpoint, Transient.String(), time.Since(start))
		return zero, Transient
	}
	defer resp.Body.Close()

	outcome := ClassifyStatus(resp.StatusCode)
	if outcome != OK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		c.metrics.FeedRequest(req.endpoint, outcome.String(), time.Since(start))
		if outcome == Fatal {
			c.logger.Warn("Feed rejected request", "endpoint", req.endpoint, "status", resp.StatusCode)
		}
		return zero, outcome
	}

	var body response[T]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Debug("Failed to decode feed response", "endpoint", req.endpoint, "error", err)
		c.metrics.FeedRequest(req.endpoint, Transient.String(), time.Since(start))
		return zero, Transient
	}

	// the API repeats the status in the body and may disagree with HTTP
	if body.Code != 0 {
		if outcome = ClassifyStatus(body.Code); outcome != OK {
			c.metrics.FeedRequest(req.endpoint, outcome.String(), time.Since(start))
			return zero, outcome
		}
	}

	c.metrics.FeedRequest(req.endpoint, OK.String(), time.Since(start))
	return body.Data, OK
}
