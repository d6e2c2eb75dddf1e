package indexer

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const inflightShards = 32

// inflight tracks URLs currently being processed in this process.
// It does not coordinate across processes.
type inflight struct {
	shards [inflightShards]struct {
		mu   sync.Mutex
		urls map[string]struct{}
	}
}

func newInflight() *inflight {
	g := &inflight{}
	for i := range g.shards {
		g.shards[i].urls = make(map[string]struct{})
	}
	return g
}

// acquire marks url as in progress. It returns false if it already was.
func (g *inflight) acquire(url string) bool {
	s := &g.shards[xxhash.Sum64String(url)%inflightShards]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.urls[url]; busy {
		return false
	}
	s.urls[url] = struct{}{}
	return true
}

func (g *inflight) release(url string) {
	s := &g.shards[xxhash.Sum64String(url)%inflightShards]
	s.mu.Lock()
	delete(s.urls, url)
	s.mu.Unlock()
}
