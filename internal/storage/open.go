package storage

import (
	"context"
	"errors"
	"strings"

	logx "jarvis/pkg/logx"
)

// Store is the persistence API used by the engine, the emitter and tuning.
type Store interface {
	// CreateSuggestion stores s and returns its assigned id.
	CreateSuggestion(ctx context.Context, s Suggestion) (int64, error)
	// MarkSuggestionProcessed is idempotent; unknown ids yield ErrNotFound.
	MarkSuggestionProcessed(ctx context.Context, id int64) error
	InsertFeedback(ctx context.Context, f Feedback) (int64, error)

	Suggestion(ctx context.Context, id int64) (Suggestion, error)
	FeedbackFor(ctx context.Context, suggestionID int64) ([]Feedback, error)
	FeedbackStats(ctx context.Context) (FeedbackCounts, error)
	// FeedbackRatioByReasonCode groups feedback by the reason code of the
	// suggestion it answers.
	FeedbackRatioByReasonCode(ctx context.Context) (map[string]FeedbackCounts, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
