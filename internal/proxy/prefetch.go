package proxy

import (
	"context"
	"net/url"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	playlist "hls-caching-proxy/internal/m3u8"
	"hls-caching-proxy/internal/metrics"
)

type segmentLoader interface {
	cached(ctx context.Context, origin *url.URL) bool
	prefetch(ctx context.Context, origin *url.URL) error
}

// Prefetcher warms the cache with the first segments of media playlists that pass
// through the proxy. Work runs on a bounded pool; when the pool is busy the segment
// is skipped and will be fetched on demand instead.
type Prefetcher struct {
	pool     *ants.Pool
	segments int
	logger   *zap.Logger
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
}

func NewPrefetcher(workers, segments int, logger *zap.Logger, m *metrics.Metrics) (*Prefetcher, error) {
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Prefetcher{pool: pool, segments: segments, logger: logger, metrics: m}, nil
}

// Schedule queues up to p.segments uncached segments of the playlist body and returns
// how many were queued.
func (p *Prefetcher) Schedule(playlistURL *url.URL, body []byte, loader segmentLoader) int {
	uris, err := playlist.SegmentURIs(body, playlistURL, 0)
	if err != nil {
		p.logger.Debug("prefetch skipped", zap.String("playlist", playlistURL.Redacted()), zap.Error(err))
		return 0
	}

	ctx := context.Background()
	scheduled := 0
	for _, u := range uris {
		if scheduled >= p.segments {
			break
		}
		if loader.cached(ctx, u) {
			continue
		}
		seg := u
		p.wg.Add(1)
		err := p.pool.Submit(func() {
			defer p.wg.Done()
			if err := loader.prefetch(ctx, seg); err != nil {
				p.metrics.ObservePrefetch("failed")
				p.logger.Debug("prefetch failed", zap.String("origin", seg.Redacted()), zap.Error(err))
				return
			}
			p.metrics.ObservePrefetch("fetched")
		})
		if err != nil {
			p.wg.Done()
			p.metrics.ObservePrefetch("dropped")
			break
		}
		scheduled++
	}
	return scheduled
}

// Wait blocks until all queued prefetches have finished.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

func (p *Prefetcher) Release() {
	p.pool.Release()
}
