package storage

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// fakeQdrant is an in-memory qdrantAPI. It understands keyword and text
// match conditions, which is all the gateway sends.
type fakeQdrant struct {
	mu          sync.Mutex
	collections []string
	created     []*qdrant.CreateCollection
	indexes     []string
	points      []*qdrant.RetrievedPoint
	upserts     int
	deletes     int
	scrolls     []*qdrant.ScrollPoints

	healthErr error
	countErr  error
	filterErr error // returned for filtered scrolls
}

func (f *fakeQdrant) HealthCheck(context.Context) (*qdrant.HealthCheckReply, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	return &qdrant.HealthCheckReply{Title: "qdrant - vector search engine", Version: "1.16.0"}, nil
}

func (f *fakeQdrant) ListCollections(context.Context) ([]string, error) {
	return f.collections, nil
}

func (f *fakeQdrant) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.created = append(f.created, req)
	f.collections = append(f.collections, req.GetCollectionName())
	return nil
}

func (f *fakeQdrant) CreateFieldIndex(_ context.Context, req *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error) {
	f.indexes = append(f.indexes, req.GetFieldName())
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	for _, p := range req.GetPoints() {
		f.points = append(f.points, &qdrant.RetrievedPoint{Id: p.GetId(), Payload: p.GetPayload()})
	}
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Delete(_ context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	filter := req.GetPoints().GetFilter()
	kept := f.points[:0]
	for _, p := range f.points {
		if !matchFilter(filter, p.GetPayload()) {
			kept = append(kept, p)
		}
	}
	f.points = kept
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Count(context.Context, *qdrant.CountPoints) (uint64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return uint64(len(f.points)), nil
}

func (f *fakeQdrant) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	var out []*qdrant.ScoredPoint
	for i, p := range f.points {
		if uint64(len(out)) >= req.GetLimit() {
			break
		}
		out = append(out, &qdrant.ScoredPoint{Id: p.GetId(), Payload: p.GetPayload(), Score: 0.9 - float32(i)*0.1})
	}
	return out, nil
}

func (f *fakeQdrant) ScrollPage(_ context.Context, req *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrolls = append(f.scrolls, req)
	if req.GetFilter() != nil && f.filterErr != nil {
		return nil, nil, f.filterErr
	}

	var matched []*qdrant.RetrievedPoint
	for _, p := range f.points {
		if matchFilter(req.GetFilter(), p.GetPayload()) {
			matched = append(matched, p)
		}
	}

	start := 0
	if off := req.GetOffset(); off != nil {
		start = len(matched)
		for i, p := range matched {
			if p.GetId().GetUuid() == off.GetUuid() {
				start = i
				break
			}
		}
	}
	end := min(start+int(req.GetLimit()), len(matched))
	var next *qdrant.PointId
	if end < len(matched) {
		next = matched[end].GetId()
	}
	return matched[start:end], next, nil
}

func (f *fakeQdrant) Close() error { return nil }

func matchFilter(filter *qdrant.Filter, payload map[string]*qdrant.Value) bool {
	if filter == nil {
		return true
	}
	for _, c := range filter.GetMust() {
		if nested := c.GetFilter(); nested != nil {
			if !matchFilter(nested, payload) {
				return false
			}
			continue
		}
		field := c.GetField()
		got := payload[field.GetKey()].GetStringValue()
		switch m := field.GetMatch().GetMatchValue().(type) {
		case *qdrant.Match_Keyword:
			if got != m.Keyword {
				return false
			}
		case *qdrant.Match_Text:
			if !strings.Contains(got, m.Text) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

var errFake = errors.New("fake failure")
