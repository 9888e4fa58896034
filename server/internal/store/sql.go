package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/streamchecker/streamchecker/pkg/types"
)

type streamRow struct {
	ID         string `gorm:"primaryKey;size:16"`
	URL        string `gorm:"not null"`
	FirstSeen  time.Time
	LastSeen   time.Time
	CheckCount int `gorm:"not null;default:0"`
}

func (streamRow) TableName() string { return "streams" }

type testRunRow struct {
	ID        uint   `gorm:"primaryKey"`
	TestRunID string `gorm:"size:36;not null;uniqueIndex:idx_run_stage"`
	StreamID  string `gorm:"size:16;not null;index"`
	Stage     int    `gorm:"not null;uniqueIndex:idx_run_stage"`
	Result    string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (testRunRow) TableName() string { return "test_runs" }

type requestRow struct {
	ID          uint   `gorm:"primaryKey"`
	TestRunID   string `gorm:"size:36;not null;index"`
	IPAddress   string `gorm:"size:64;not null;index:idx_ip_time"`
	UserAgent   string
	Referer     string
	StreamURL   string    `gorm:"not null"`
	RequestedAt time.Time `gorm:"not null;index:idx_ip_time"`
}

func (requestRow) TableName() string { return "request_logs" }

// SQL is a Store backed by a gorm database.
type SQL struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQL wraps an open gorm handle. The schema is not touched; call Migrate.
func NewSQL(db *gorm.DB) *SQL {
	return &SQL{db: db, now: time.Now}
}

// OpenSQLite opens (creating if needed) the SQLite file at path and migrates it.
func OpenSQLite(path string) (*SQL, error) {
	return open(sqlite.Open(path))
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*SQL, error) {
	return open(postgres.Open(dsn))
}

func open(d gorm.Dialector) (*SQL, error) {
	db, err := gorm.Open(d, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	s := NewSQL(db)
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the tables.
func (s *SQL) Migrate() error {
	if err := s.db.AutoMigrate(&streamRow{}, &testRunRow{}, &requestRow{}); err != nil {
		return errors.Wrap(err, "migrate schema")
	}
	return nil
}

func (s *SQL) PersistStage(ctx context.Context, testRunID, streamID string, stage int, rec *types.ResultRecord) error {
	b, err := snapshot(rec)
	if err != nil {
		return err
	}
	row := testRunRow{TestRunID: testRunID, StreamID: streamID, Stage: stage, Result: string(b), CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "persist stage %d of %s", stage, testRunID)
	}
	return nil
}

func (s *SQL) LogRequest(ctx context.Context, r Request) error {
	if r.RequestedAt.IsZero() {
		r.RequestedAt = s.now()
	}
	row := requestRow{
		TestRunID:   r.TestRunID,
		IPAddress:   r.IPAddress,
		UserAgent:   r.UserAgent,
		Referer:     r.Referer,
		StreamURL:   r.StreamURL,
		RequestedAt: r.RequestedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "log request")
	}
	return nil
}

func (s *SQL) AddStream(ctx context.Context, streamID, url string) error {
	now := s.now().UTC()
	row := streamRow{ID: streamID, URL: url, FirstSeen: now, LastSeen: now, CheckCount: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_seen":   now,
			"check_count": gorm.Expr("streams.check_count + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrap(err, "add stream")
	}
	return nil
}

func (s *SQL) RequestCount(ctx context.Context, ip string, window time.Duration) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&requestRow{}).
		Where("ip_address = ? AND requested_at > ?", ip, s.now().Add(-window).UTC()).
		Count(&n).Error
	if err != nil {
		return 0, errors.Wrap(err, "count requests")
	}
	return int(n), nil
}

func (s *SQL) FindRequest(ctx context.Context, testRunID string) (*Request, error) {
	var row requestRow
	err := s.db.WithContext(ctx).Where("test_run_id = ?", testRunID).Order("id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find request")
	}
	return &Request{
		TestRunID:   row.TestRunID,
		IPAddress:   row.IPAddress,
		UserAgent:   row.UserAgent,
		Referer:     row.Referer,
		StreamURL:   row.StreamURL,
		RequestedAt: row.RequestedAt,
	}, nil
}

func (s *SQL) LatestResult(ctx context.Context, testRunID string) (*types.ResultRecord, error) {
	var row testRunRow
	err := s.db.WithContext(ctx).Where("test_run_id = ?", testRunID).Order("stage DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load result")
	}
	return decode([]byte(row.Result))
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
