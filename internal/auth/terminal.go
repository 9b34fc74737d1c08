package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Terminal prompts on a TTY. Secrets (Echo=false) are read with echo
// disabled; EOF (Ctrl-D) cancels.
type Terminal struct {
	In  *os.File
	Out io.Writer
}

// NewTerminal returns a prompter bound to the process stdin/stderr.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

// IsInteractive reports whether In is a terminal.
func (t *Terminal) IsInteractive() bool {
	return t.In != nil && term.IsTerminal(int(t.In.Fd()))
}

func (t *Terminal) Prompt(ctx context.Context, p Prompt) (string, error) {
	if !t.IsInteractive() {
		return "", ErrNoCredential
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		text = fmt.Sprintf("%s@%s %s", p.User, p.Host, p.Kind)
	}
	if !strings.HasSuffix(text, ":") {
		text += ":"
	}
	fmt.Fprintf(t.Out, "%s ", text)

	type result struct {
		value string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		if !p.Echo {
			b, err := term.ReadPassword(int(t.In.Fd()))
			fmt.Fprintln(t.Out)
			ch <- result{string(b), err}
			return
		}
		line, err := bufio.NewReader(t.In).ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			ch <- result{"", err}
			return
		}
		ch <- result{strings.TrimRight(line, "\r\n"), nil}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.Out)
		return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case r := <-ch:
		if errors.Is(r.err, io.EOF) {
			return "", ErrCancelled
		}
		if r.err != nil {
			return "", fmt.Errorf("auth: read terminal: %w", r.err)
		}
		return r.value, nil
	}
}
