package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/metrics"
)

// CachePruner evicts renderings from the local cache in least-recently-used
// order. Two limits apply: renderings idle for longer than retention go first,
// then the oldest are dropped until the cache fits in maxBytes. With a remote
// tier a rendering is only evicted once the remote holds a copy.
type CachePruner struct {
	local     *LocalStore
	retention time.Duration
	maxBytes  int64
	interval  time.Duration
	remote    objectStore // nil in local-only mode
	now       func() time.Time
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// pruneResult summarizes one pass.
type pruneResult struct {
	Idle        int
	Size        int
	Freed       int64
	Remaining   int64
	NotBackedUp int
	Failed      int
}

// NewCachePruner creates a pruner over local. remote may be nil.
func NewCachePruner(local *LocalStore, retention time.Duration, maxGB int, remote objectStore, log zerolog.Logger) *CachePruner {
	return &CachePruner{
		local:     local,
		retention: retention,
		maxBytes:  int64(maxGB) * 1024 * 1024 * 1024,
		interval:  1 * time.Hour,
		remote:    remote,
		now:       time.Now,
		log:       log.With().Str("component", "cache-pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

func (p *CachePruner) Start() {
	go p.loop()
}

func (p *CachePruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *CachePruner) loop() {
	// Clear any backlog from downtime before the first tick.
	p.prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.prune()
		case <-p.stop:
			return
		}
	}
}

func (p *CachePruner) prune() pruneResult {
	var res pruneResult
	if p.retention == 0 && p.maxBytes == 0 {
		return res
	}

	entries, err := p.local.Entries()
	if err != nil {
		p.log.Warn().Err(err).Msg("cache scan failed")
		return res
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastUsed.Before(entries[j].LastUsed)
	})
	for _, e := range entries {
		res.Remaining += e.Size
	}

	idleBefore := p.now().Add(-p.retention)
	for _, e := range entries {
		var reason string
		if p.retention > 0 && e.LastUsed.Before(idleBefore) {
			reason = "idle"
		} else if p.maxBytes > 0 && res.Remaining > p.maxBytes {
			reason = "size"
		} else {
			// Sorted by last use: nothing later is idle and the cache fits.
			break
		}
		if !p.backedUp(e.Key.String()) {
			res.NotBackedUp++
			continue
		}
		if err := p.local.Remove(e.Key.String()); err != nil {
			res.Failed++
			p.log.Warn().Err(err).Str("key", e.Key.String()).Msg("cache eviction failed")
			continue
		}
		metrics.CacheEvictionsTotal.WithLabelValues(reason).Inc()
		res.Remaining -= e.Size
		res.Freed += e.Size
		if reason == "idle" {
			res.Idle++
		} else {
			res.Size++
		}
	}

	if res.Idle+res.Size+res.NotBackedUp+res.Failed > 0 {
		p.log.Info().
			Int("idle", res.Idle).
			Int("over_size", res.Size).
			Str("freed", humanizeBytes(res.Freed)).
			Str("remaining", humanizeBytes(res.Remaining)).
			Int("skipped_not_remote", res.NotBackedUp).
			Int("failed", res.Failed).
			Msg("cache prune complete")
	}
	return res
}

// backedUp reports whether key may be dropped locally without losing it.
func (p *CachePruner) backedUp(key string) bool {
	if p.remote == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if p.remote.Exists(ctx, key) {
		return true
	}
	p.log.Warn().Str("key", key).Msg("skipping eviction: rendering not in remote tier")
	return false
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
