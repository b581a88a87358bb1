package app

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"jarvis/internal/eventbus"
	"jarvis/internal/notifier"
	"jarvis/internal/suggest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jarvis.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), writeConfig(t, "logging:\n  level: error\n")); err == nil {
		t.Fatal("expected error without storage")
	}
}

func TestSuggestionRoundTrip(t *testing.T) {
	t.Parallel()
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	dir := t.TempDir()
	path := writeConfig(t, `
logging:
  level: error
storage:
  driver: file
  path: `+filepath.Join(dir, "store")+`
voice:
  command: `+cat+`
engine:
  response_timeout: 1m
  ack_channel: none
notifier:
  workers: 1
`)
	a, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(sctx, StopUnknown)
	}()

	s, err := a.emitter.Emit(ctx, suggest.Input{Text: "Time for a walk?", ReasonCode: "health"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	waitFor(t, "awaiting slot", func() bool {
		aw, ok := a.engine.Awaiting()
		return ok && aw.SuggestionID == s.ID
	})

	a.bus.Publish(eventbus.Event{Kind: eventbus.KindChatMessage, Time: time.Now(), Attrs: eventbus.Attrs("text", "да")})
	waitFor(t, "feedback", func() bool {
		fb, err := a.store.FeedbackFor(ctx, s.ID)
		return err == nil && len(fb) == 1 && fb[0].Accepted
	})

	got, err := a.store.Suggestion(ctx, s.ID)
	if err != nil || !got.Processed {
		t.Fatalf("suggestion = %+v, err = %v", got, err)
	}
	if _, ok := a.engine.Awaiting(); ok {
		t.Fatal("awaiting slot not cleared after reply")
	}
}

func TestBindAckChannel(t *testing.T) {
	t.Parallel()
	noop := notifier.Func(func(context.Context, string) error { return nil })
	var plainTexts []string
	plain := notifier.Func(func(_ context.Context, text string) error {
		plainTexts = append(plainTexts, text)
		return nil
	})

	reg := notifier.NewRegistry()
	reg.Register("text", noop)
	reg.Register("voice", noop)

	if got := bindAckChannel(reg, "", plain); got != "" {
		t.Fatalf("disabled = %q", got)
	}
	if got := bindAckChannel(reg, "email", plain); got != "" {
		t.Fatalf("unbound = %q", got)
	}
	if got := bindAckChannel(reg, "voice", nil); got != "voice" {
		t.Fatalf("voice = %q", got)
	}
	got := bindAckChannel(reg, "text", plain)
	if got != "text.ack" {
		t.Fatalf("text = %q", got)
	}
	if err := reg.Send(context.Background(), got, "Got it"); err != nil {
		t.Fatal(err)
	}
	if len(plainTexts) != 1 || plainTexts[0] != "Got it" {
		t.Fatalf("plain sender got %v", plainTexts)
	}
}
