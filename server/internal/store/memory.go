package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// StageRow is one persisted stage snapshot.
type StageRow struct {
	TestRunID string
	StreamID  string
	Stage     int
	Result    []byte
	CreatedAt time.Time
}

// StreamEntry is a catalogued stream.
type StreamEntry struct {
	StreamID   string
	URL        string
	FirstSeen  time.Time
	LastSeen   time.Time
	CheckCount int
}

// Memory is a thread-safe in-process Store. A background goroutine (Run)
// evicts runs, requests and streams that are older than the retention TTL.
type Memory struct {
	mu       sync.RWMutex
	runs     map[string][]StageRow
	requests []Request
	streams  map[string]*StreamEntry
	ttl      time.Duration
	now      func() time.Time // injectable for deterministic tests
}

// NewMemory creates a Memory store with the given retention.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		runs:    make(map[string][]StageRow),
		streams: make(map[string]*StreamEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// PersistStage appends a serialized snapshot of rec to the run's history.
func (m *Memory) PersistStage(_ context.Context, testRunID, streamID string, stage int, rec *types.ResultRecord) error {
	b, err := snapshot(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[testRunID] = append(m.runs[testRunID], StageRow{
		TestRunID: testRunID,
		StreamID:  streamID,
		Stage:     stage,
		Result:    b,
		CreatedAt: m.now(),
	})
	return nil
}

// LogRequest records a check request; a zero RequestedAt is stamped with now.
func (m *Memory) LogRequest(_ context.Context, r Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.RequestedAt.IsZero() {
		r.RequestedAt = m.now()
	}
	m.requests = append(m.requests, r)
	return nil
}

// AddStream catalogues streamID, or bumps its LastSeen and CheckCount.
func (m *Memory) AddStream(_ context.Context, streamID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.streams[streamID]; ok {
		e.LastSeen = now
		e.CheckCount++
		return nil
	}
	m.streams[streamID] = &StreamEntry{StreamID: streamID, URL: url, FirstSeen: now, LastSeen: now, CheckCount: 1}
	return nil
}

// RequestCount returns how many requests ip made within window.
func (m *Memory) RequestCount(_ context.Context, ip string, window time.Duration) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := m.now().Add(-window)
	n := 0
	for _, r := range m.requests {
		if r.IPAddress == ip && r.RequestedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// FindRequest returns the most recent request logged for testRunID.
func (m *Memory) FindRequest(_ context.Context, testRunID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.requests) - 1; i >= 0; i-- {
		if m.requests[i].TestRunID == testRunID {
			r := m.requests[i]
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

// LatestResult decodes the newest snapshot persisted for testRunID.
func (m *Memory) LatestResult(_ context.Context, testRunID string) (*types.ResultRecord, error) {
	m.mu.RLock()
	rows := m.runs[testRunID]
	var latest []byte
	if len(rows) > 0 {
		latest = rows[len(rows)-1].Result
	}
	m.mu.RUnlock()
	if latest == nil {
		return nil, ErrNotFound
	}
	return decode(latest)
}

// Stages returns the snapshots persisted for a run, oldest first.
func (m *Memory) Stages(testRunID string) []StageRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]StageRow(nil), m.runs[testRunID]...)
}

// Stream returns the catalog entry for streamID.
func (m *Memory) Stream(streamID string) (StreamEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.streams[streamID]
	if !ok {
		return StreamEntry{}, false
	}
	return *e, true
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Evict removes runs, requests and streams whose latest activity is older
// than now minus TTL. It returns the number of entries removed.
func (m *Memory) Evict(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.ttl)
	removed := 0
	for id, rows := range m.runs {
		if !rows[len(rows)-1].CreatedAt.After(cutoff) {
			delete(m.runs, id)
			removed++
		}
	}
	kept := m.requests[:0]
	for _, r := range m.requests {
		if r.RequestedAt.After(cutoff) {
			kept = append(kept, r)
		} else {
			removed++
		}
	}
	m.requests = kept
	for id, e := range m.streams {
		if !e.LastSeen.After(cutoff) {
			delete(m.streams, id)
			removed++
		}
	}
	return removed
}

// Run starts the background TTL eviction loop. It ticks at half the TTL
// interval (minimum 1 second) and blocks until ctx is cancelled.
func (m *Memory) Run(ctx context.Context) {
	if m.ttl <= 0 {
		return
	}
	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := m.Evict(now); n > 0 {
				slog.Debug("store: evicted stale entries", "count", n)
			}
		}
	}
}
