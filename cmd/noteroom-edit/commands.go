package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/noteroom/internal/editor"
	"github.com/MarcoPoloResearchLab/noteroom/internal/relay"
)

const helpText = `commands:
  <text>            append a line to the content
  :title <text>     replace the title
  :content <text>   replace the content
  :save             save now
  :show             print the note
  :status           print sync and save status
  :quit             leave
`

// commandLoop reads editing commands and prints peer activity. Output is
// shared with the relay reader goroutine.
type commandLoop struct {
	editor *editor.Editor

	mu  sync.Mutex
	out io.Writer
}

func newCommandLoop(noteEditor *editor.Editor, out io.Writer) *commandLoop {
	return &commandLoop{editor: noteEditor, out: out}
}

func (l *commandLoop) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, format, args...)
}

func (l *commandLoop) applyRemote(field string, value string) {
	l.editor.ApplyRemote(field, value)
	l.printf("[peer] %s: %s\n", field, summarize(value))
}

func (l *commandLoop) reportConnection(connected bool) {
	if connected {
		l.printf("[sync enabled]\n")
		return
	}
	l.printf("[offline]\n")
}

func (l *commandLoop) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return l.finish(context.Background())
		case err := <-readErr:
			if err != nil {
				return err
			}
			return l.finish(ctx)
		case line := <-lines:
			done, err := l.execute(ctx, line)
			if err != nil {
				l.printf("error: %v\n", err)
			}
			if done {
				return l.finish(ctx)
			}
		}
	}
}

// finish saves whatever is still pending before leaving.
func (l *commandLoop) finish(ctx context.Context) error {
	if err := l.editor.Flush(ctx); err != nil {
		return fmt.Errorf("final save: %w", err)
	}
	return nil
}

func (l *commandLoop) execute(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, ":") {
		state := l.editor.State()
		content := line
		if state.Content != "" {
			content = state.Content + "\n" + line
		}
		return false, l.editor.Type(relay.FieldContent, content)
	}

	command, argument, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	switch command {
	case "title":
		return false, l.editor.Type(relay.FieldTitle, argument)
	case "content":
		return false, l.editor.Type(relay.FieldContent, argument)
	case "save":
		if err := l.editor.Flush(ctx); err != nil {
			return false, err
		}
		l.printf("%s\n", l.editor.StatusLine())
	case "show":
		state := l.editor.State()
		l.printf("# %s\n%s\n", state.Title, state.Content)
	case "status":
		l.printf("%s\n", l.editor.StatusLine())
	case "quit", "q":
		return true, nil
	case "help":
		l.printf("%s", helpText)
	default:
		return false, fmt.Errorf("unknown command %q (try :help)", command)
	}
	return false, nil
}

func summarize(value string) string {
	const limit = 60
	flattened := strings.ReplaceAll(value, "\n", " ⏎ ")
	if len([]rune(flattened)) <= limit {
		return flattened
	}
	return string([]rune(flattened)[:limit]) + "…"
}
