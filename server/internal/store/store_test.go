package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/config"
)

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func record(runID string, completed ...string) *types.ResultRecord {
	rec := types.NewRecord(runID, "abcdef0123456789", "http://radio.example/live", []string{"connectivity", "ad_detection"})
	for _, c := range completed {
		rec.MarkCompleted(c)
	}
	return rec
}

func newSQLite(t *testing.T) *SQL {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every connection to ":memory:" is a separate database.
	sqlDB.SetMaxOpenConns(1)

	s := NewSQL(db)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func newMock(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewSQL(db), mock
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store, setNow func(time.Time))) {
	t.Run("memory", func(t *testing.T) {
		m := NewMemory(time.Hour)
		fn(t, m, func(now time.Time) { m.now = fixedClock(now) })
	})
	t.Run("sqlite", func(t *testing.T) {
		s := newSQLite(t)
		fn(t, s, func(now time.Time) { s.now = fixedClock(now) })
	})
}

func TestPersistStage_LatestResult(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ func(time.Time)) {
		ctx := context.Background()
		rec := record("run-1")

		rec.MarkCompleted("connectivity")
		require.NoError(t, s.PersistStage(ctx, "run-1", rec.StreamID, 1, rec))

		rec.MarkCompleted("ad_detection")
		rec.SetVerdict(90, "healthy", nil, nil)
		require.NoError(t, s.PersistStage(ctx, "run-1", rec.StreamID, 4, rec))

		got, err := s.LatestResult(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"connectivity", "ad_detection"}, got.TestsCompleted)
		require.NotNil(t, got.HealthScore)
		assert.Equal(t, 90.0, *got.HealthScore)
		assert.Equal(t, []string{}, got.Issues)

		_, err = s.LatestResult(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestPersistStage_SnapshotAtCallTime(t *testing.T) {
	m := NewMemory(time.Hour)
	ctx := context.Background()
	rec := record("run-1", "connectivity")
	require.NoError(t, m.PersistStage(ctx, "run-1", rec.StreamID, 1, rec))

	rec.MarkCompleted("player_test")

	rows := m.Stages("run-1")
	require.Len(t, rows, 1)
	got, err := decode(rows[0].Result)
	require.NoError(t, err)
	assert.Equal(t, []string{"connectivity"}, got.TestsCompleted)
}

func TestPersistStage_DuplicateStageRejected(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	rec := record("run-1", "connectivity")
	require.NoError(t, s.PersistStage(ctx, "run-1", rec.StreamID, 1, rec))
	assert.Error(t, s.PersistStage(ctx, "run-1", rec.StreamID, 1, rec))
}

func TestRequestCount_Window(t *testing.T) {
	backends(t, func(t *testing.T, s Store, setNow func(time.Time)) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		log := func(id, ip string, at time.Time) {
			require.NoError(t, s.LogRequest(ctx, Request{TestRunID: id, IPAddress: ip, StreamURL: "http://x", RequestedAt: at}))
		}
		log("a", "10.0.0.1", base.Add(-2*time.Hour))
		log("b", "10.0.0.1", base.Add(-30*time.Minute))
		log("c", "10.0.0.1", base.Add(-time.Minute))
		log("d", "10.0.0.2", base.Add(-time.Minute))

		setNow(base)
		n, err := s.RequestCount(ctx, "10.0.0.1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.RequestCount(ctx, "10.0.0.1", 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = s.RequestCount(ctx, "192.0.2.1", time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestFindRequest(t *testing.T) {
	backends(t, func(t *testing.T, s Store, setNow func(time.Time)) {
		ctx := context.Background()
		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		setNow(at)
		require.NoError(t, s.LogRequest(ctx, Request{
			TestRunID: "run-9", IPAddress: "10.0.0.1", UserAgent: "curl/8", StreamURL: "http://x/live",
		}))

		r, err := s.FindRequest(ctx, "run-9")
		require.NoError(t, err)
		assert.Equal(t, "curl/8", r.UserAgent)
		assert.Equal(t, "http://x/live", r.StreamURL)
		assert.True(t, r.RequestedAt.Equal(at), "RequestedAt = %v", r.RequestedAt)

		_, err = s.FindRequest(ctx, "nope")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestAddStream_Upsert(t *testing.T) {
	ctx := context.Background()

	m := NewMemory(time.Hour)
	require.NoError(t, m.AddStream(ctx, "s1", "http://x"))
	require.NoError(t, m.AddStream(ctx, "s1", "http://x"))
	e, ok := m.Stream("s1")
	require.True(t, ok)
	assert.Equal(t, 2, e.CheckCount)

	s := newSQLite(t)
	require.NoError(t, s.AddStream(ctx, "s1", "http://x"))
	require.NoError(t, s.AddStream(ctx, "s1", "http://x"))
	var row streamRow
	require.NoError(t, s.db.First(&row, "id = ?", "s1").Error)
	assert.Equal(t, 2, row.CheckCount)
}

func TestSQL_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("insert", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO "request_logs"`).WillReturnError(errors.New("disk full"))
		err := s.LogRequest(ctx, Request{TestRunID: "r", IPAddress: "ip", StreamURL: "u"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log request: disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("count", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`SELECT count\(\*\) FROM "request_logs"`).WillReturnError(errors.New("connection reset"))
		_, err := s.RequestCount(ctx, "ip", time.Hour)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "count requests")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`SELECT \* FROM "test_runs"`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
		_, err := s.LatestResult(ctx, "run")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOpen(t *testing.T) {
	s, err := Open(config.DatabaseConfig{Backend: "memory", Retention: time.Hour})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(config.DatabaseConfig{Backend: "postgres", DSNEnv: "STREAMCHECK_TEST_UNSET_DSN"})
	assert.ErrorContains(t, err, "STREAMCHECK_TEST_UNSET_DSN is empty")

	_, err = Open(config.DatabaseConfig{Backend: "redis"})
	assert.Error(t, err)
}

func TestEvict_RemovesStale(t *testing.T) {
	ctx := context.Background()
	base := time.Now()
	m := NewMemory(5 * time.Minute)

	m.now = fixedClock(base.Add(-10 * time.Minute))
	require.NoError(t, m.PersistStage(ctx, "old", "s", 1, record("old")))
	require.NoError(t, m.LogRequest(ctx, Request{TestRunID: "old", IPAddress: "ip"}))
	require.NoError(t, m.AddStream(ctx, "s-old", "http://old"))

	m.now = fixedClock(base)
	require.NoError(t, m.PersistStage(ctx, "live", "s", 1, record("live")))
	require.NoError(t, m.LogRequest(ctx, Request{TestRunID: "live", IPAddress: "ip"}))

	assert.Equal(t, 3, m.Evict(base))

	_, err := m.LatestResult(ctx, "old")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = m.LatestResult(ctx, "live")
	assert.NoError(t, err)
	n, _ := m.RequestCount(ctx, "ip", time.Hour)
	assert.Equal(t, 1, n)
	_, ok := m.Stream("s-old")
	assert.False(t, ok)
}

func TestEvict_NoOp_AllLive(t *testing.T) {
	base := time.Now()
	m := NewMemory(5 * time.Minute)
	m.now = fixedClock(base)
	require.NoError(t, m.PersistStage(context.Background(), "run", "s", 1, record("run")))
	assert.Zero(t, m.Evict(base))
}

func TestMemory_RunStopsOnCancel(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMemory_ConcurrentRuns(t *testing.T) {
	m := NewMemory(time.Hour)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(stage int) {
			defer wg.Done()
			_ = m.PersistStage(ctx, "run", "s", stage%4+1, record("run"))
		}(i)
		go func() {
			defer wg.Done()
			_, _ = m.RequestCount(ctx, "ip", time.Hour)
			_, _ = m.LatestResult(ctx, "run")
		}()
	}
	wg.Wait()
	assert.Len(t, m.Stages("run"), 50)
}
