package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	logx "jarvis/pkg/logx"
)

const textPlaceholder = "{text}"

// Command speaks text by running an external program (piper, espeak, say).
//
// If any argument contains "{text}" it is substituted there; otherwise the
// text is written to the program's stdin.
type Command struct {
	Path string
	Args []string
	Log  logx.Logger
}

func (c Command) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("voice command not configured")
	}
	args := make([]string, len(c.Args))
	inline := false
	for i, a := range c.Args {
		if strings.Contains(a, textPlaceholder) {
			inline = true
			a = strings.ReplaceAll(a, textPlaceholder, text)
		}
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, c.Path, args...)
	if !inline {
		cmd.Stdin = strings.NewReader(text)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		c.Log.Debug("voice command failed", logx.String("path", c.Path), logx.String("stderr", msg))
		if msg != "" {
			return fmt.Errorf("voice command %s: %w: %s", c.Path, err, msg)
		}
		return fmt.Errorf("voice command %s: %w", c.Path, err)
	}
	return nil
}
