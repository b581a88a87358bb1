package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	logx "jarvis/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := migrate(ctx, db, goose.DialectSQLite3, "sqlite", log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateSuggestion(ctx context.Context, sg Suggestion) (int64, error) {
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO suggestions(text, reason_code, trace_id, processed, created_at) VALUES(?,?,?,?,?)`,
		sg.Text, sg.ReasonCode, nullStr(sg.TraceID), sg.Processed, sg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) MarkSuggestionProcessed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE suggestions SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("suggestion %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) InsertFeedback(ctx context.Context, f Feedback) (int64, error) {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO suggestion_feedback(suggestion_id, response_text, accepted, at) VALUES(?,?,?,?)`,
		f.SuggestionID, f.ResponseText, f.Accepted, f.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) Suggestion(ctx context.Context, id int64) (Suggestion, error) {
	var (
		sg      Suggestion
		traceID sql.NullString
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, text, reason_code, trace_id, processed, created_at FROM suggestions WHERE id = ?`, id,
	).Scan(&sg.ID, &sg.Text, &sg.ReasonCode, &traceID, &sg.Processed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Suggestion{}, fmt.Errorf("suggestion %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Suggestion{}, err
	}
	sg.TraceID = traceID.String
	sg.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return sg, nil
}

func (s *sqliteStore) FeedbackFor(ctx context.Context, suggestionID int64) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, suggestion_id, response_text, accepted, at FROM suggestion_feedback WHERE suggestion_id = ? ORDER BY id`,
		suggestionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var (
			f  Feedback
			at string
		)
		if err := rows.Scan(&f.ID, &f.SuggestionID, &f.ResponseText, &f.Accepted, &at); err != nil {
			return nil, err
		}
		f.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FeedbackStats(ctx context.Context) (FeedbackCounts, error) {
	var c FeedbackCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN accepted THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN accepted THEN 0 ELSE 1 END), 0)
		 FROM suggestion_feedback`,
	).Scan(&c.Accepted, &c.Rejected)
	return c, err
}

func (s *sqliteStore) FeedbackRatioByReasonCode(ctx context.Context) (map[string]FeedbackCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.reason_code,
		        SUM(CASE WHEN f.accepted THEN 1 ELSE 0 END),
		        SUM(CASE WHEN f.accepted THEN 0 ELSE 1 END)
		 FROM suggestion_feedback f JOIN suggestions s ON s.id = f.suggestion_id
		 GROUP BY s.reason_code`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]FeedbackCounts{}
	for rows.Next() {
		var (
			code string
			c    FeedbackCounts
		)
		if err := rows.Scan(&code, &c.Accepted, &c.Rejected); err != nil {
			return nil, err
		}
		out[code] = c
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
