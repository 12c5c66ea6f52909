package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/eservice-monitor/internal/cache"
	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

type memoryFacts struct {
	mu      sync.Mutex
	nextID  int64
	facts   map[int64]models.ProbeFact
	listErr error
	scans   int
}

func newMemoryFacts(facts ...models.ProbeFact) *memoryFacts {
	m := &memoryFacts{facts: make(map[int64]models.ProbeFact)}
	for _, f := range facts {
		if f.RecordID > m.nextID {
			m.nextID = f.RecordID
		}
		m.facts[f.RecordID] = f
	}
	return m
}

func (m *memoryFacts) Register(_ context.Context, fact models.ProbeFact) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.facts {
		if existing.EserviceID == fact.EserviceID && existing.VersionID == fact.VersionID {
			fact.RecordID = id
			m.facts[id] = fact
			return id, nil
		}
	}
	m.nextID++
	fact.RecordID = m.nextID
	m.facts[fact.RecordID] = fact
	return fact.RecordID, nil
}

func (m *memoryFacts) Get(_ context.Context, id int64) (models.ProbeFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fact, ok := m.facts[id]
	if !ok {
		return models.ProbeFact{}, utils.NotFound("memory.get", fmt.Sprintf("no record %d", id))
	}
	return fact, nil
}

func (m *memoryFacts) ListCandidates(_ context.Context, afterID int64, limit int) ([]models.ProbeFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make([]int64, 0, len(m.facts))
	for id, f := range m.facts {
		if id > afterID && f.InteropState == models.InteropStateActive && f.ProbingEnabled {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]models.ProbeFact, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.facts[id])
	}
	return out, nil
}

func (m *memoryFacts) mutate(id int64, fn func(*models.ProbeFact)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fact, ok := m.facts[id]
	if !ok {
		return utils.NotFound("memory.update", fmt.Sprintf("no record %d", id))
	}
	fn(&fact)
	m.facts[id] = fact
	return nil
}

func (m *memoryFacts) UpdateProbing(_ context.Context, id int64, enabled bool) error {
	return m.mutate(id, func(f *models.ProbeFact) { f.ProbingEnabled = enabled })
}

func (m *memoryFacts) UpdateState(_ context.Context, id int64, state models.InteropState) error {
	return m.mutate(id, func(f *models.ProbeFact) { f.InteropState = state })
}

func (m *memoryFacts) UpdateFrequency(_ context.Context, id int64, upd models.FrequencyUpdate) error {
	return m.mutate(id, func(f *models.ProbeFact) {
		f.PollingFrequencyMinutes = upd.PollingFrequencyMinutes
		f.PollingWindow = upd.PollingWindow
	})
}

func (m *memoryFacts) RecordRequest(_ context.Context, id int64, at time.Time) error {
	return m.mutate(id, func(f *models.ProbeFact) { f.LastRequestAt = &at })
}

func (m *memoryFacts) RecordResponse(_ context.Context, id int64, at time.Time, status models.ResponseStatus) error {
	return m.mutate(id, func(f *models.ProbeFact) {
		f.LastResponseAt = &at
		f.LastResponseStatus = &status
	})
}

func (m *memoryFacts) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.facts[id]; !ok {
		return utils.NotFound("memory.delete", fmt.Sprintf("no record %d", id))
	}
	delete(m.facts, id)
	return nil
}

type memoryTelemetry struct {
	mu     sync.Mutex
	points map[int64][]models.RawTelemetryPoint
	reads  int
}

func newMemoryTelemetry() *memoryTelemetry {
	return &memoryTelemetry{points: make(map[int64][]models.RawTelemetryPoint)}
}

func (m *memoryTelemetry) Append(_ context.Context, id int64, p models.TelemetryPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[id] = append(m.points[id], models.RawTelemetryPoint{
		Time:               utils.FormatISO8601(p.Time),
		Status:             string(p.Status),
		ResponseTimeMillis: p.ResponseTimeMillis,
	})
	return nil
}

func (m *memoryTelemetry) ReadRange(_ context.Context, id int64, start, end time.Time) ([]models.RawTelemetryPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	out := make([]models.RawTelemetryPoint, 0)
	for _, p := range m.points[id] {
		ts, err := utils.ParseISO8601(p.Time)
		if err == nil && (ts.Before(start) || ts.After(end)) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

type stubCache struct {
	mu    sync.Mutex
	store map[string][]byte
	ttls  map[string]time.Duration
}

func newStubCache() *stubCache {
	return &stubCache{store: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (s *stubCache) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.store[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return append([]byte(nil), value...), nil
}

func (s *stubCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[key] = append([]byte(nil), value...)
	s.ttls[key] = ttl
	return nil
}

func (s *stubCache) Close() error { return nil }
