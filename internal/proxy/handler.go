package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"hls-caching-proxy/internal/cache"
	"hls-caching-proxy/internal/fetcher"
	playlist "hls-caching-proxy/internal/m3u8"
	"hls-caching-proxy/internal/metrics"
)

// Fetcher performs a single GET against an origin URL.
type Fetcher interface {
	Fetch(ctx context.Context, origin *url.URL) (*fetcher.Response, error)
}

// MapperFunc returns the mapper of the running proxy, or false when it is stopped.
type MapperFunc func() (Mapper, bool)

// Static returns a MapperFunc that always reports m.
func Static(m Mapper) MapperFunc {
	return func() (Mapper, bool) { return m, true }
}

// Handler serves proxied requests: manifests are fetched and rewritten on every request,
// everything else is served from Store and fetched from the origin on a miss.
type Handler struct {
	Mapper   MapperFunc
	Fetcher  Fetcher
	Store    cache.Store
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Prefetch *Prefetcher

	flights singleflight.Group
}

type loadResult struct {
	status int
	entry  *cache.Entry
	kind   Kind
	hit    bool
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Mapper == nil || h.Fetcher == nil || h.Store == nil {
		http.Error(w, "proxy not configured", http.StatusInternalServerError)
		return
	}
	log := h.logger().With(zap.String("request_id", RequestID(r.Context())))

	origin, err := Decode(r.URL)
	if err != nil {
		log.Debug("rejecting request", zap.String("url", r.URL.String()), zap.Error(err))
		h.fail(w, KindSegment, http.StatusBadRequest, err.Error())
		return
	}
	log = log.With(zap.String("origin", origin.Redacted()))

	if Classify(origin, "") == KindManifest {
		h.serveManifest(w, r, log, origin)
		return
	}
	h.serveSegment(w, r, log, origin)
}

func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, log *zap.Logger, origin *url.URL) {
	resp, err := h.fetch(r.Context(), origin)
	if err != nil {
		log.Warn("origin fetch failed", zap.Error(err))
		h.fail(w, KindManifest, http.StatusBadGateway, "origin fetch failed")
		return
	}
	h.writeManifest(w, log, origin, resp.StatusCode, &cache.Entry{ContentType: resp.ContentType, Body: resp.Body})
}

func (h *Handler) writeManifest(w http.ResponseWriter, log *zap.Logger, origin *url.URL, status int, entry *cache.Entry) {
	if !isSuccess(status) {
		h.write(w, KindManifest, status, entry.ContentType, entry.Body)
		return
	}

	m, ok := h.Mapper()
	if !ok {
		h.fail(w, KindManifest, http.StatusServiceUnavailable, ErrNotRunning.Error())
		return
	}
	body, err := playlist.Rewrite(entry.Body, origin, func(u *url.URL) (string, error) {
		return m.Encode(u).String(), nil
	})
	if err != nil {
		log.Error("playlist rewrite failed", zap.Error(err))
		h.fail(w, KindManifest, http.StatusInternalServerError, "playlist rewrite failed")
		return
	}

	contentType := entry.ContentType
	if contentType == "" {
		contentType = playlistContentType
	}
	w.Header().Set("Cache-Control", "no-cache")
	h.write(w, KindManifest, http.StatusOK, contentType, body)
	log.Debug("manifest rewritten", zap.String("size", humanize.Bytes(uint64(len(body)))))

	if h.Prefetch != nil {
		h.Prefetch.Schedule(origin, entry.Body, h)
	}
}

func (h *Handler) serveSegment(w http.ResponseWriter, r *http.Request, log *zap.Logger, origin *url.URL) {
	key := cache.Key(origin)
	if entry, ok := h.lookup(r.Context(), log, key); ok {
		w.Header().Set("X-Cache", "HIT")
		h.write(w, KindSegment, http.StatusOK, entry.ContentType, entry.Body)
		return
	}

	// The flight must outlive the request that started it: other players may be waiting on it.
	res, err := h.load(context.WithoutCancel(r.Context()), log, origin)
	if err != nil {
		log.Warn("origin fetch failed", zap.Error(err))
		h.fail(w, KindSegment, http.StatusBadGateway, "origin fetch failed")
		return
	}
	if res.kind == KindManifest {
		h.writeManifest(w, log, origin, res.status, res.entry)
		return
	}

	if res.hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	h.write(w, KindSegment, res.status, res.entry.ContentType, res.entry.Body)
}

// load fetches origin once per key for all concurrent callers and stores successful
// non-manifest responses. The cache is checked again inside the flight so a request that
// missed just before an earlier flight finished does not fetch a second time.
func (h *Handler) load(ctx context.Context, log *zap.Logger, origin *url.URL) (*loadResult, error) {
	key := cache.Key(origin)
	v, err, _ := h.flights.Do(key, func() (interface{}, error) {
		if entry, err := h.Store.Get(ctx, key); err == nil {
			return &loadResult{status: http.StatusOK, entry: entry, kind: KindSegment, hit: true}, nil
		}

		resp, err := h.fetch(ctx, origin)
		if err != nil {
			return nil, err
		}
		res := &loadResult{
			status: resp.StatusCode,
			entry:  &cache.Entry{ContentType: resp.ContentType, Body: resp.Body},
			kind:   Classify(origin, resp.ContentType),
		}
		if res.kind == KindSegment && isSuccess(res.status) {
			if err := h.Store.Put(ctx, key, res.entry); err != nil {
				h.Metrics.ObserveCacheStoreError()
				log.Warn("cache store failed", zap.String("key", key), zap.Error(err))
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*loadResult), nil
}

func (h *Handler) lookup(ctx context.Context, log *zap.Logger, key string) (*cache.Entry, bool) {
	entry, err := h.Store.Get(ctx, key)
	if err == nil {
		h.Metrics.ObserveCacheLookup(true)
		return entry, true
	}
	if !errors.Is(err, cache.ErrMiss) {
		log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	h.Metrics.ObserveCacheLookup(false)
	return nil, false
}

func (h *Handler) fetch(ctx context.Context, origin *url.URL) (*fetcher.Response, error) {
	start := time.Now()
	resp, err := h.Fetcher.Fetch(ctx, origin)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var fetchErr *fetcher.FetchError
		if errors.As(err, &fetchErr) {
			outcome = fetchErr.Kind.String()
		}
	}
	h.Metrics.ObserveOriginFetch(outcome, time.Since(start))
	return resp, err
}

// cached and prefetch let the Prefetcher drive the same load path as players.

func (h *Handler) cached(ctx context.Context, origin *url.URL) bool {
	_, err := h.Store.Get(ctx, cache.Key(origin))
	return err == nil
}

func (h *Handler) prefetch(ctx context.Context, origin *url.URL) error {
	res, err := h.load(ctx, h.logger(), origin)
	if err != nil {
		return err
	}
	if !isSuccess(res.status) {
		return fmt.Errorf("origin status %d", res.status)
	}
	return nil
}

func (h *Handler) write(w http.ResponseWriter, kind Kind, status int, contentType string, body []byte) {
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", "*")
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger().Debug("write response failed", zap.Error(err))
	}
	h.Metrics.ObserveRequest(kind.String(), status)
}

func (h *Handler) fail(w http.ResponseWriter, kind Kind, status int, msg string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	http.Error(w, msg, status)
	h.Metrics.ObserveRequest(kind.String(), status)
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
