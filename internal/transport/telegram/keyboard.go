package telegram

import (
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Callback data is "reply:<index>" into Config.ReplyButtons. Telegram caps
// callback_data at 64 bytes, so the word itself is never sent.
const replyAction = "reply"

func replyData(i int) string { return replyAction + ":" + strconv.Itoa(i) }

func parseReplyData(data string) (int, bool) {
	action, idx, ok := strings.Cut(strings.TrimSpace(data), ":")
	if !ok || action != replyAction {
		return 0, false
	}
	i, err := strconv.Atoi(idx)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// replyMarkup renders the words as one row of inline buttons, nil when empty.
func replyMarkup(words []string) *tele.ReplyMarkup {
	if len(words) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	btns := make([]tele.Btn, 0, len(words))
	for i, w := range words {
		btns = append(btns, tele.Btn{Text: w, Data: replyData(i)})
	}
	rm.Inline(rm.Row(btns...))
	return rm
}
