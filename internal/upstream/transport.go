// Package upstream sends HTTP calls to governed endpoints through the dispatcher.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"request-governor/internal/service"
)

type endpointKey struct{}

// ErrResponseTooLarge is returned when an upstream body exceeds the transport's limit.
var ErrResponseTooLarge = errors.New("upstream response too large")

const (
	defaultMaxResponseBytes = 10 << 20
	maxRetryAfter           = time.Hour
)

// WithEndpoint tags ctx with the endpoint a request should be governed under.
func WithEndpoint(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, endpointKey{}, id)
}

// EndpointFrom returns the endpoint set with WithEndpoint.
func EndpointFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(endpointKey{}).(string)
	return id, ok && id != ""
}

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the RoundTripper that performs the actual request.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		if rt != nil {
			t.base = rt
		}
	}
}

// WithCache serves cacheable GET responses from c.
func WithCache(c *ResponseCache) Option {
	return func(t *Transport) { t.cache = c }
}

// WithMaxResponseBytes bounds how much of an upstream body is buffered.
func WithMaxResponseBytes(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxBody = n
		}
	}
}

// WithLogger sets the transport's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// Transport is an http.RoundTripper that admits every request through a
// Dispatcher. The endpoint is taken from the request context, or the URL host
// when none is set.
//
// Responses with a status of 400 or above are reported to the dispatcher as
// failures but still returned to the caller, so the caller sees exactly what
// the upstream answered. Requests that never reach the upstream fail with the
// dispatcher's error.
type Transport struct {
	dispatcher *service.Dispatcher
	base       http.RoundTripper
	cache      *ResponseCache
	maxBody    int64
	log        zerolog.Logger
}

// NewTransport wraps d in an http.RoundTripper.
func NewTransport(d *service.Dispatcher, opts ...Option) *Transport {
	t := &Transport{
		dispatcher: d,
		base:       http.DefaultTransport,
		maxBody:    defaultMaxResponseBytes,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Client returns an http.Client using the transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	id, ok := EndpointFrom(req.Context())
	if !ok {
		id = req.URL.Host
	}

	var cacheKey string
	if t.cache != nil && req.Method == http.MethodGet {
		cacheKey = CacheKey(id, req)
		if entry, hit := t.cache.Get(cacheKey); hit {
			t.log.Debug().Str("endpoint", id).Str("url", req.URL.Redacted()).Msg("served from cache")
			return entry.response(req), nil
		}
	}

	var (
		resp     *http.Response
		tooLarge bool
	)
	err := t.dispatcher.Do(req.Context(), id, func(ctx context.Context, target service.Endpoint) error {
		out, err := t.outbound(ctx, req, id, target)
		if err != nil {
			return err
		}
		r, err := t.base.RoundTrip(out)
		if err != nil {
			return err
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, t.maxBody+1))
		r.Body.Close()
		if err != nil {
			return err
		}
		if int64(len(body)) > t.maxBody {
			// the endpoint answered; only this caller fails
			tooLarge = true
		} else {
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			resp = r
		}

		if r.StatusCode >= http.StatusBadRequest {
			return &service.StatusError{
				StatusCode: r.StatusCode,
				RetryAfter: ParseRetryAfter(r.Header.Get("Retry-After"), time.Now()),
			}
		}
		return nil
	})

	if tooLarge {
		t.log.Warn().Str("endpoint", id).Int64("limit", t.maxBody).Msg("upstream response too large")
		return nil, fmt.Errorf("%s: %w (limit %d bytes)", id, ErrResponseTooLarge, t.maxBody)
	}
	if resp == nil {
		return nil, err
	}
	if err == nil && cacheKey != "" {
		t.store(cacheKey, resp)
	}
	return resp, nil
}

// outbound builds the request actually sent. When the dispatcher routed the
// call to an alternate, the URL is moved onto the alternate's base URL.
func (t *Transport) outbound(ctx context.Context, req *http.Request, requested string, target service.Endpoint) (*http.Request, error) {
	out := req.Clone(ctx)
	if target.ID == requested || target.URL == "" {
		return out, nil
	}

	from := ""
	if ep, err := t.dispatcher.Registry().Get(requested); err == nil {
		from = ep.URL
	}
	u, err := retarget(req.URL, from, target.URL)
	if err != nil {
		return nil, err
	}
	out.URL = u
	out.Host = ""
	t.log.Debug().
		Str("endpoint", requested).
		Str("alternate", target.ID).
		Str("url", u.Redacted()).
		Msg("request rerouted")
	return out, nil
}

func (t *Transport) store(key string, resp *http.Response) {
	ttl := CacheTTL(resp.StatusCode, resp.Header)
	if ttl <= 0 {
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	now := time.Now()
	t.cache.Set(key, &CacheEntry{
		Status:    resp.StatusCode,
		Headers:   resp.Header.Clone(),
		Body:      body,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	})
	resp.Header.Set("X-Cache", "MISS")
}

// retarget swaps the from base URL in u for to. If u does not live under
// from, only the scheme and host are replaced.
func retarget(u *url.URL, from, to string) (*url.URL, error) {
	from = strings.TrimSuffix(from, "/")
	to = strings.TrimSuffix(to, "/")
	if s := u.String(); from != "" && strings.HasPrefix(s, from) {
		return url.Parse(to + strings.TrimPrefix(s, from))
	}

	base, err := url.Parse(to)
	if err != nil {
		return nil, err
	}
	out := *u
	out.Scheme = base.Scheme
	out.Host = base.Host
	out.User = base.User
	return &out, nil
}

// ParseRetryAfter reads a Retry-After header given either in seconds or as
// an HTTP date, capped at one hour. It returns zero when the header is absent
// or unusable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	switch {
	case err == nil && secs <= 0:
		return 0
	case err == nil && secs < int64(maxRetryAfter/time.Second):
		return time.Duration(secs) * time.Second
	case err == nil, errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(v, "-"):
		return maxRetryAfter
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return min(at.Sub(now), maxRetryAfter)
	}
	return 0
}
