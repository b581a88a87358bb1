package telegram

import (
	"strings"
	"testing"
	"time"

	"jarvis/internal/eventbus"
	logx "jarvis/pkg/logx"
)

func TestHandleTextOwnerOnly(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	a, err := newAdapter(Config{Token: "123:test", OwnerChatID: 42}, bus, logx.Nop(), true)
	if err != nil {
		t.Fatalf("newAdapter: %v", err)
	}

	if a.handleText(7, 7, "stranger", "да") {
		t.Fatal("foreign chat should be ignored")
	}
	if !a.handleText(42, 1, "owner", "да") {
		t.Fatal("owner message should be published")
	}

	select {
	case ev := <-ch:
		if ev.Kind != eventbus.KindTelegramMessage || ev.String("text") != "да" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if id, _ := ev.Int64("chat_id"); id != 42 {
			t.Fatalf("chat_id = %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := newAdapter(Config{OwnerChatID: 1}, nil, logx.Nop(), true); err == nil {
		t.Fatal("empty token should fail")
	}
	if _, err := newAdapter(Config{Token: "1:x"}, nil, logx.Nop(), true); err == nil {
		t.Fatal("missing owner should fail")
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		in    string
		limit int
		want  int
	}{
		{"short", "hello", 10, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"hard split", strings.Repeat("a", 25), 10, 3},
		{"newline split", "aaaaaaa\nbbbbbbb\nccc", 10, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tc.in, tc.limit)
			if len(got) != tc.want {
				t.Fatalf("got %d chunks %q, want %d", len(got), got, tc.want)
			}
			for _, c := range got {
				if len([]rune(c)) > tc.limit {
					t.Fatalf("chunk too long: %q", c)
				}
			}
		})
	}
}

func TestReplyButtons(t *testing.T) {
	t.Parallel()
	a, err := newAdapter(Config{Token: "123:test", OwnerChatID: 42, ReplyButtons: []string{"да", "позже"}}, nil, logx.Nop(), true)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		data string
		want string
		ok   bool
	}{
		{"reply:0", "да", true},
		{"reply:1", "позже", true},
		{"reply:2", "", false},
		{"reply:-1", "", false},
		{"other:0", "", false},
		{"reply", "", false},
	}
	for _, tt := range tests {
		got, ok := a.replyWord(tt.data)
		if got != tt.want || ok != tt.ok {
			t.Errorf("replyWord(%q) = %q, %v; want %q, %v", tt.data, got, ok, tt.want, tt.ok)
		}
	}

	rm := replyMarkup(a.cfg.ReplyButtons)
	if rm == nil || len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 2 {
		t.Fatalf("markup = %+v", rm)
	}
	if d := rm.InlineKeyboard[0][1].Data; d != "reply:1" {
		t.Fatalf("button data = %q", d)
	}
	if replyMarkup(nil) != nil {
		t.Fatal("no words should mean no markup")
	}
}

func TestPlainSendHasNoButtons(t *testing.T) {
	t.Parallel()
	a, err := newAdapter(Config{Token: "123:test", OwnerChatID: 42, ThreadID: 5, ReplyButtons: []string{"да", "позже"}}, nil, logx.Nop(), true)
	if err != nil {
		t.Fatal(err)
	}
	if opt := a.sendOptions(true); opt.ReplyMarkup == nil || opt.ThreadID != 5 {
		t.Fatalf("suggestion options = %+v", opt)
	}
	if opt := a.sendOptions(false); opt.ReplyMarkup != nil || opt.ThreadID != 5 {
		t.Fatalf("plain options = %+v", opt)
	}
	if a.Plain().a != a {
		t.Fatal("plain sender bound to another adapter")
	}
}
