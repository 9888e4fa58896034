package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/config"
)

// ErrNotFound is returned when a test run or request is unknown.
var ErrNotFound = errors.New("not found")

// Request is one accepted check request, used for rate accounting and job
// lookups.
type Request struct {
	TestRunID   string    `json:"testRunId"`
	IPAddress   string    `json:"ipAddress"`
	UserAgent   string    `json:"userAgent,omitempty"`
	Referer     string    `json:"referer,omitempty"`
	StreamURL   string    `json:"streamUrl"`
	RequestedAt time.Time `json:"requestTimestamp"`
}

// Store is the persistence contract shared by the service, the API and the
// pipeline coordinator.
type Store interface {
	// PersistStage appends a snapshot of rec taken at call time.
	PersistStage(ctx context.Context, testRunID, streamID string, stage int, rec *types.ResultRecord) error
	LogRequest(ctx context.Context, r Request) error
	// AddStream records that streamID was checked, creating it if needed.
	AddStream(ctx context.Context, streamID, url string) error
	// RequestCount counts requests from ip within the trailing window.
	RequestCount(ctx context.Context, ip string, window time.Duration) (int, error)
	FindRequest(ctx context.Context, testRunID string) (*Request, error)
	// LatestResult returns the most recent snapshot of a run.
	LatestResult(ctx context.Context, testRunID string) (*types.ResultRecord, error)
	Close() error
}

// Open returns the backend selected by cfg. The memory backend's eviction
// loop is not started; callers run it with Memory.Run.
func Open(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(cfg.Retention), nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, errors.Newf("environment variable %s is empty", cfg.DSNEnv)
		}
		return OpenPostgres(dsn)
	default:
		return nil, errors.Newf("unknown database backend %q", cfg.Backend)
	}
}

// snapshot serializes rec so later mutation by the pipeline does not leak
// into stored rows.
func snapshot(rec *types.ResultRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode result record")
	}
	return b, nil
}

func decode(b []byte) (*types.ResultRecord, error) {
	var rec types.ResultRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrap(err, "decode result record")
	}
	return &rec, nil
}
