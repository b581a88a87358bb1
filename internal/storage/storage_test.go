package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	logx "jarvis/pkg/logx"
)

func openTestStore(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func drivers(t *testing.T) map[string]func(t *testing.T) Config {
	t.Helper()
	m := map[string]func(t *testing.T) Config{
		"file": func(t *testing.T) Config {
			return Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jarvis.db")}
		},
		"sqlite": func(t *testing.T) Config {
			return Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jarvis.sqlite")}
		},
	}
	if dsn := os.Getenv("JARVIS_TEST_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T) Config { return Config{Driver: "postgres", DSN: dsn} }
	}
	return m
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	for name, mk := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			if name != "postgres" {
				t.Parallel()
			}
			ctx := context.Background()
			st := openTestStore(t, mk(t))

			id1, err := st.CreateSuggestion(ctx, Suggestion{Text: "drink water", ReasonCode: "health", TraceID: "t-1"})
			if err != nil {
				t.Fatalf("CreateSuggestion: %v", err)
			}
			id2, err := st.CreateSuggestion(ctx, Suggestion{Text: "stretch", ReasonCode: "health"})
			if err != nil {
				t.Fatalf("CreateSuggestion: %v", err)
			}
			id3, err := st.CreateSuggestion(ctx, Suggestion{Text: "call mom", ReasonCode: "social"})
			if err != nil {
				t.Fatalf("CreateSuggestion: %v", err)
			}
			if id1 == 0 || id1 == id2 || id2 == id3 {
				t.Fatalf("ids not unique: %d %d %d", id1, id2, id3)
			}

			got, err := st.Suggestion(ctx, id1)
			if err != nil {
				t.Fatalf("Suggestion: %v", err)
			}
			if got.Text != "drink water" || got.TraceID != "t-1" || got.Processed {
				t.Fatalf("unexpected suggestion: %+v", got)
			}

			for i := 0; i < 2; i++ {
				if err := st.MarkSuggestionProcessed(ctx, id1); err != nil {
					t.Fatalf("MarkSuggestionProcessed #%d: %v", i, err)
				}
			}
			if got, _ = st.Suggestion(ctx, id1); !got.Processed {
				t.Fatal("suggestion not processed")
			}

			if _, err := st.InsertFeedback(ctx, Feedback{SuggestionID: id1, ResponseText: "да", Accepted: true}); err != nil {
				t.Fatalf("InsertFeedback: %v", err)
			}
			if _, err := st.InsertFeedback(ctx, Feedback{SuggestionID: id2, ResponseText: "нет", Accepted: false}); err != nil {
				t.Fatalf("InsertFeedback: %v", err)
			}
			if _, err := st.InsertFeedback(ctx, Feedback{SuggestionID: id3, ResponseText: "later"}); err != nil {
				t.Fatalf("InsertFeedback: %v", err)
			}

			fb, err := st.FeedbackFor(ctx, id1)
			if err != nil || len(fb) != 1 || !fb[0].Accepted || fb[0].ResponseText != "да" {
				t.Fatalf("FeedbackFor = %+v, %v", fb, err)
			}

			stats, err := st.FeedbackStats(ctx)
			if err != nil {
				t.Fatalf("FeedbackStats: %v", err)
			}
			if name != "postgres" && (stats.Accepted != 1 || stats.Rejected != 2) {
				t.Fatalf("stats = %+v", stats)
			}

			ratio, err := st.FeedbackRatioByReasonCode(ctx)
			if err != nil {
				t.Fatalf("FeedbackRatioByReasonCode: %v", err)
			}
			if name != "postgres" {
				if ratio["health"] != (FeedbackCounts{Accepted: 1, Rejected: 1}) {
					t.Fatalf("health = %+v", ratio["health"])
				}
				if ratio["social"] != (FeedbackCounts{Rejected: 1}) {
					t.Fatalf("social = %+v", ratio["social"])
				}
			}
		})
	}
}

func TestMissingSuggestion(t *testing.T) {
	t.Parallel()
	for name, mk := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := openTestStore(t, mk(t))
			ctx := context.Background()
			if _, err := st.Suggestion(ctx, 987654); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Suggestion err = %v, want ErrNotFound", err)
			}
			if err := st.MarkSuggestionProcessed(ctx, 987654); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Mark err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}

	st, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	id, _ := st.CreateSuggestion(ctx, Suggestion{Text: "walk", ReasonCode: "move"})
	_ = st.MarkSuggestionProcessed(ctx, id)
	_, _ = st.InsertFeedback(ctx, Feedback{SuggestionID: id, ResponseText: "ok", Accepted: true})
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st = openTestStore(t, cfg)
	got, err := st.Suggestion(ctx, id)
	if err != nil || !got.Processed || got.ReasonCode != "move" {
		t.Fatalf("replayed suggestion = %+v, %v", got, err)
	}
	next, _ := st.CreateSuggestion(ctx, Suggestion{Text: "sleep"})
	if next <= id {
		t.Fatalf("id sequence not restored: %d <= %d", next, id)
	}
	ratio, _ := st.FeedbackRatioByReasonCode(ctx)
	if ratio["move"].Accepted != 1 {
		t.Fatalf("ratio = %+v", ratio)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("disabled = %v, %v", st, err)
	}
	if _, err := Open(context.Background(), Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
	if _, err := Open(context.Background(), Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path should fail")
	}
}
