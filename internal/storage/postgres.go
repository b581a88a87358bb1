package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	logx "jarvis/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = migrate(ctx, db, goose.DialectPostgres, "postgres", log)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) CreateSuggestion(ctx context.Context, sg Suggestion) (int64, error) {
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO suggestions(text, reason_code, trace_id, processed, created_at)
		 VALUES($1,$2,$3,$4,$5) RETURNING id`,
		sg.Text, sg.ReasonCode, nullStr(sg.TraceID), sg.Processed, sg.CreatedAt,
	).Scan(&id)
	return id, err
}

func (s *postgresStore) MarkSuggestionProcessed(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE suggestions SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("suggestion %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresStore) InsertFeedback(ctx context.Context, f Feedback) (int64, error) {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO suggestion_feedback(suggestion_id, response_text, accepted, at)
		 VALUES($1,$2,$3,$4) RETURNING id`,
		f.SuggestionID, f.ResponseText, f.Accepted, f.At,
	).Scan(&id)
	return id, err
}

func (s *postgresStore) Suggestion(ctx context.Context, id int64) (Suggestion, error) {
	var (
		sg      Suggestion
		traceID *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, text, reason_code, trace_id, processed, created_at FROM suggestions WHERE id = $1`, id,
	).Scan(&sg.ID, &sg.Text, &sg.ReasonCode, &traceID, &sg.Processed, &sg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Suggestion{}, fmt.Errorf("suggestion %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Suggestion{}, err
	}
	if traceID != nil {
		sg.TraceID = *traceID
	}
	return sg, nil
}

func (s *postgresStore) FeedbackFor(ctx context.Context, suggestionID int64) ([]Feedback, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, suggestion_id, response_text, accepted, at FROM suggestion_feedback WHERE suggestion_id = $1 ORDER BY id`,
		suggestionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.SuggestionID, &f.ResponseText, &f.Accepted, &f.At); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *postgresStore) FeedbackStats(ctx context.Context) (FeedbackCounts, error) {
	var c FeedbackCounts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE accepted), COUNT(*) FILTER (WHERE NOT accepted) FROM suggestion_feedback`,
	).Scan(&c.Accepted, &c.Rejected)
	return c, err
}

func (s *postgresStore) FeedbackRatioByReasonCode(ctx context.Context) (map[string]FeedbackCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.reason_code,
		        COUNT(*) FILTER (WHERE f.accepted),
		        COUNT(*) FILTER (WHERE NOT f.accepted)
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
