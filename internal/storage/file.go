package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "jarvis/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// All state lives in memory and every mutation is appended to
// <prefix>.journal.jsonl, which is replayed on open.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	journal *os.File

	suggestions map[int64]*Suggestion
	feedback    []Feedback
	nextSugg    int64
	nextFB      int64
}

const (
	opSuggestion = "suggestion"
	opProcessed  = "processed"
	opFeedback   = "feedback"
)

type journalRecord struct {
	Op         string      `json:"op"`
	Suggestion *Suggestion `json:"suggestion,omitempty"`
	Feedback   *Feedback   `json:"feedback,omitempty"`
	ID         int64       `json:"id,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journalPath := filepath.Join(dir, base) + ".journal.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:         log,
		suggestions: map[int64]*Suggestion{},
	}
	n, err := s.replay(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Debug("file store opened", logx.String("path", journalPath), logx.Int("records", n))
	return s, nil
}

func (s *fileStore) replay(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash is skipped.
			s.log.Warn("skipping bad journal line", logx.Err(err))
			continue
		}
		s.apply(r)
		n++
	}
	return n, sc.Err()
}

func (s *fileStore) apply(r journalRecord) {
	switch r.Op {
	case opSuggestion:
		if r.Suggestion == nil {
			return
		}
		sg := *r.Suggestion
		s.suggestions[sg.ID] = &sg
		s.nextSugg = max(s.nextSugg, sg.ID)
	case opProcessed:
		if sg, ok := s.suggestions[r.ID]; ok {
			sg.Processed = true
		}
	case opFeedback:
		if r.Feedback == nil {
			return
		}
		s.feedback = append(s.feedback, *r.Feedback)
		s.nextFB = max(s.nextFB, r.Feedback.ID)
	}
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	return json.NewEncoder(s.journal).Encode(r)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) CreateSuggestion(ctx context.Context, sg Suggestion) (int64, error) {
	_ = ctx
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sg.ID = s.nextSugg + 1
	if err := s.appendLocked(journalRecord{Op: opSuggestion, Suggestion: &sg}); err != nil {
		return 0, err
	}
	s.apply(journalRecord{Op: opSuggestion, Suggestion: &sg})
	return sg.ID, nil
}

func (s *fileStore) MarkSuggestionProcessed(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.suggestions[id]
	if !ok {
		return fmt.Errorf("suggestion %d: %w", id, ErrNotFound)
	}
	if sg.Processed {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: opProcessed, ID: id}); err != nil {
		return err
	}
	sg.Processed = true
	return nil
}

func (s *fileStore) InsertFeedback(ctx context.Context, f Feedback) (int64, error) {
	_ = ctx
	if f.At.IsZero() {
		f.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f.ID = s.nextFB + 1
	if err := s.appendLocked(journalRecord{Op: opFeedback, Feedback: &f}); err != nil {
		return 0, err
	}
	s.apply(journalRecord{Op: opFeedback, Feedback: &f})
	return f.ID, nil
}

func (s *fileStore) Suggestion(ctx context.Context, id int64) (Suggestion, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.suggestions[id]
	if !ok {
		return Suggestion{}, fmt.Errorf("suggestion %d: %w", id, ErrNotFound)
	}
	return *sg, nil
}

func (s *fileStore) FeedbackFor(ctx context.Context, suggestionID int64) ([]Feedback, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Feedback
	for _, f := range s.feedback {
		if f.SuggestionID == suggestionID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) FeedbackStats(ctx context.Context) (FeedbackCounts, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var c FeedbackCounts
	for _, f := range s.feedback {
		c.add(f.Accepted)
	}
	return c, nil
}

func (s *fileStore) FeedbackRatioByReasonCode(ctx context.Context) (map[string]FeedbackCounts, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]FeedbackCounts{}
	for _, f := range s.feedback {
		sg, ok := s.suggestions[f.SuggestionID]
		if !ok {
			continue
		}
		c := out[sg.ReasonCode]
		c.add(f.Accepted)
		out[sg.ReasonCode] = c
	}
	return out, nil
}
