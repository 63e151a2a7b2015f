package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hls-caching-proxy/internal/cache"
	"hls-caching-proxy/internal/fetcher"
	"hls-caching-proxy/internal/metrics"
)

const vodPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:13
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="English",LANGUAGE="en",AUTOSELECT=YES,URI="audio_en.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="Korean",LANGUAGE="ko",AUTOSELECT=YES,URI="../audio_ko.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="French",LANGUAGE="fr",AUTOSELECT=YES,URI="/audio_fr.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="Espanol",LANGUAGE="es",AUTOSELECT=YES,URI="/audios/audio_es.m3u8"
#EXT-X-MEDIA-SEQUENCE:1
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:12.012,
0640_00001.ts
#EXTINF:12.012,
../0640_00002.ts
#EXTINF:12.012,
/0640_00003.ts
#EXTINF:12.012,
/videos/0640_00004.ts
#EXT-X-ENDLIST`

const vodURL = "https://example.com/hls/playlists/vod.m3u8"

// fakeFetcher answers from a fixed table and records every request.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*fetcher.Response
	requests  map[string]int
	gate      chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]*fetcher.Response),
		requests:  make(map[string]int),
	}
}

func (f *fakeFetcher) serve(rawURL string, status int, contentType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[rawURL] = &fetcher.Response{StatusCode: status, ContentType: contentType, Body: []byte(body)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, origin *url.URL) (*fetcher.Response, error) {
	f.mu.Lock()
	f.requests[origin.String()]++
	resp, ok := f.responses[origin.String()]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !ok {
		return nil, &fetcher.FetchError{Kind: fetcher.Unreachable, URL: origin.String(), Err: errors.New("connection refused")}
	}
	return resp, nil
}

func (f *fakeFetcher) count(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[rawURL]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.requests {
		n += c
	}
	return n
}

type mapStore struct {
	mu      sync.Mutex
	entries map[string]*cache.Entry
}

func newMapStore() *mapStore {
	return &mapStore{entries: make(map[string]*cache.Entry)}
}

func (s *mapStore) Get(_ context.Context, key string) (*cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return e, nil
}

func (s *mapStore) Put(_ context.Context, key string, e *cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

func (s *mapStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*cache.Entry)
	return nil
}

func (s *mapStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*cache.Entry, error) { return nil, cache.ErrMiss }
func (failingStore) Put(context.Context, string, *cache.Entry) error {
	return errors.New("disk full")
}
func (failingStore) Clear(context.Context) error { return nil }

func newTestHandler(f Fetcher, store cache.Store) *Handler {
	return &Handler{
		Mapper:  Static(testMapper),
		Fetcher: f,
		Store:   store,
		Logger:  zap.NewNop(),
		Metrics: metrics.New(),
	}
}

func get(t *testing.T, h http.Handler, origin string) *httptest.ResponseRecorder {
	t.Helper()
	target := testMapper.Encode(mustParse(t, origin)).String()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func proxied(path, origin string) string {
	return fmt.Sprintf("http://127.0.0.1:1234%s?__hls_origin_url=%s", path, origin)
}

func TestHandler_RewritesManifest(t *testing.T) {
	f := newFakeFetcher()
	f.serve(vodURL, http.StatusOK, "application/vnd.apple.mpegurl", vodPlaylist)
	store := newMapStore()
	h := newTestHandler(f, store)

	rec := get(t, h, vodURL)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	lines := strings.Split(rec.Body.String(), "\n")
	require.Len(t, lines, 18)
	assert.Equal(t, `#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="English",LANGUAGE="en",AUTOSELECT=YES,URI="`+
		proxied("/hls/playlists/audio_en.m3u8", "https://example.com/hls/playlists/audio_en.m3u8")+`"`, lines[3])
	assert.Equal(t, `#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="Korean",LANGUAGE="ko",AUTOSELECT=YES,URI="`+
		proxied("/hls/audio_ko.m3u8", "https://example.com/hls/audio_ko.m3u8")+`"`, lines[4])
	assert.Equal(t, `#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="French",LANGUAGE="fr",AUTOSELECT=YES,URI="`+
		proxied("/audio_fr.m3u8", "https://example.com/audio_fr.m3u8")+`"`, lines[5])
	assert.Equal(t, `#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="Espanol",LANGUAGE="es",AUTOSELECT=YES,URI="`+
		proxied("/audios/audio_es.m3u8", "https://example.com/audios/audio_es.m3u8")+`"`, lines[6])
	assert.Equal(t, proxied("/hls/playlists/0640_00001.ts", "https://example.com/hls/playlists/0640_00001.ts"), lines[10])
	assert.Equal(t, proxied("/hls/0640_00002.ts", "https://example.com/hls/0640_00002.ts"), lines[12])
	assert.Equal(t, proxied("/0640_00003.ts", "https://example.com/0640_00003.ts"), lines[14])
	assert.Equal(t, proxied("/videos/0640_00004.ts", "https://example.com/videos/0640_00004.ts"), lines[16])
	assert.Equal(t, "#EXT-X-ENDLIST", lines[17])

	// Manifests are never cached.
	assert.Zero(t, store.len())
	get(t, h, vodURL)
	assert.Equal(t, 2, f.count(vodURL))
}

func TestHandler_ManifestDefaultsContentType(t *testing.T) {
	f := newFakeFetcher()
	f.serve(vodURL, http.StatusOK, "", "#EXTM3U\n#EXTINF:1,\nseg.ts\n")
	h := newTestHandler(f, newMapStore())

	rec := get(t, h, vodURL)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestHandler_SegmentServedFromCacheOnSecondRequest(t *testing.T) {
	const segURL = "https://example.com/hls/playlists/0640_00001.ts"
	f := newFakeFetcher()
	f.serve(segURL, http.StatusOK, "video/mp2t", "\x47\x40\x00\x10segment-bytes")
	h := newTestHandler(f, newMapStore())

	first := get(t, h, segURL)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.Equal(t, "video/mp2t", first.Header().Get("Content-Type"))
	assert.Equal(t, "\x47\x40\x00\x10segment-bytes", first.Body.String())

	second := get(t, h, segURL)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, "video/mp2t", second.Header().Get("Content-Type"))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, "17", second.Header().Get("Content-Length"))

	assert.Equal(t, 1, f.count(segURL))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.Metrics.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.Metrics.CacheLookups.WithLabelValues("miss")))
}

func TestHandler_MissingOriginIsBadRequest(t *testing.T) {
	f := newFakeFetcher()
	h := newTestHandler(f, newMapStore())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://127.0.0.1:1234/hls/vod.m3u8", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://127.0.0.1:1234/hls/vod.m3u8?__hls_origin_url=vod.m3u8", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Zero(t, f.total())
}

func TestHandler_UnreachableOriginIsBadGateway(t *testing.T) {
	const segURL = "https://example.com/hls/0640_00002.ts"
	f := newFakeFetcher()
	store := newMapStore()
	h := newTestHandler(f, store)

	rec := get(t, h, segURL)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	rec = get(t, h, vodURL)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Zero(t, store.len())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.Metrics.OriginFetches.WithLabelValues("unreachable")))

	// The proxy keeps serving once the origin comes back.
	f.serve(segURL, http.StatusOK, "video/mp2t", "payload")
	rec = get(t, h, segURL)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payload", rec.Body.String())
}

func TestHandler_StoreFailureStillServesSegment(t *testing.T) {
	const segURL = "https://example.com/hls/0640_00003.ts"
	f := newFakeFetcher()
	f.serve(segURL, http.StatusOK, "video/mp2t", "payload")
	h := newTestHandler(f, failingStore{})

	for i := 0; i < 2; i++ {
		rec := get(t, h, segURL)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "payload", rec.Body.String())
		assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	}
	assert.Equal(t, 2, f.count(segURL))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.Metrics.CacheStoreErrors))
}

func TestHandler_NonSuccessIsRelayedAndNotCached(t *testing.T) {
	const segURL = "https://example.com/hls/missing.ts"
	f := newFakeFetcher()
	f.serve(segURL, http.StatusNotFound, "text/plain", "not found")
	f.serve(vodURL, http.StatusForbidden, "text/plain", "forbidden")
	store := newMapStore()
	h := newTestHandler(f, store)

	rec := get(t, h, segURL)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", rec.Body.String())
	get(t, h, segURL)
	assert.Equal(t, 2, f.count(segURL))
	assert.Zero(t, store.len())

	rec = get(t, h, vodURL)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", rec.Body.String())
}

func TestHandler_PlaylistContentTypeOnSegmentPathIsRewritten(t *testing.T) {
	const liveURL = "https://example.com/live/index?channel=1"
	f := newFakeFetcher()
	f.serve(liveURL, http.StatusOK, "application/x-mpegURL", "#EXTM3U\n#EXTINF:4,\nchunk.ts\n")
	store := newMapStore()
	h := newTestHandler(f, store)

	rec := get(t, h, liveURL)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "#EXTM3U\n#EXTINF:4,\n"+proxied("/live/chunk.ts", "https://example.com/live/chunk.ts")+"\n", rec.Body.String())
	assert.Zero(t, store.len())
}

func TestHandler_ConcurrentRequestsShareOneFetch(t *testing.T) {
	const segURL = "https://example.com/hls/0640_00004.ts"
	f := newFakeFetcher()
	f.serve(segURL, http.StatusOK, "video/mp2t", "payload")
	f.gate = make(chan struct{})
	h := newTestHandler(f, newMapStore())

	const players = 8
	var wg sync.WaitGroup
	codes := make([]int, players)
	bodies := make([]string, players)
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := get(t, h, segURL)
			codes[i], bodies[i] = rec.Code, rec.Body.String()
		}(i)
	}

	require.Eventually(t, func() bool { return f.count(segURL) == 1 }, time.Second, 5*time.Millisecond)
	close(f.gate)
	wg.Wait()

	for i := 0; i < players; i++ {
		assert.Equal(t, http.StatusOK, codes[i])
		assert.Equal(t, "payload", bodies[i])
	}
	assert.Equal(t, 1, f.count(segURL))
}

func TestHandler_StoppedProxyCannotRewrite(t *testing.T) {
	f := newFakeFetcher()
	f.serve(vodURL, http.StatusOK, "application/vnd.apple.mpegurl", vodPlaylist)
	h := newTestHandler(f, newMapStore())
	h.Mapper = func() (Mapper, bool) { return Mapper{}, false }

	rec := get(t, h, vodURL)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_PrefetchWarmsLeadingSegments(t *testing.T) {
	const mediaURL = "https://example.com/live/media.m3u8"
	f := newFakeFetcher()
	f.serve(mediaURL, http.StatusOK, "application/vnd.apple.mpegurl", `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:10.0,
seg0.ts
#EXTINF:10.0,
seg1.ts
#EXTINF:10.0,
seg2.ts
#EXT-X-ENDLIST
`)
	for i := 0; i < 3; i++ {
		f.serve(fmt.Sprintf("https://example.com/live/seg%d.ts", i), http.StatusOK, "video/mp2t", fmt.Sprintf("segment %d", i))
	}
	h := newTestHandler(f, newMapStore())
	pf, err := NewPrefetcher(4, 2, zap.NewNop(), h.Metrics)
	require.NoError(t, err)
	defer pf.Release()
	h.Prefetch = pf

	rec := get(t, h, mediaURL)
	require.Equal(t, http.StatusOK, rec.Code)
	pf.Wait()

	assert.Equal(t, 1, f.count("https://example.com/live/seg0.ts"))
	assert.Equal(t, 1, f.count("https://example.com/live/seg1.ts"))
	assert.Zero(t, f.count("https://example.com/live/seg2.ts"))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.Metrics.PrefetchScheduled.WithLabelValues("fetched")))

	rec = get(t, h, "https://example.com/live/seg1.ts")
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, "segment 1", rec.Body.String())
	assert.Equal(t, 1, f.count("https://example.com/live/seg1.ts"))

	// Warm segments are not queued again.
	get(t, h, mediaURL)
	pf.Wait()
	assert.Equal(t, 1, f.count("https://example.com/live/seg0.ts"))
	assert.Equal(t, 1, f.count("https://example.com/live/seg2.ts"))
}
