// Package render turns console content into something a person can look at:
// styled terminal output or sanitized HTML.
package render

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"streamconsole/internal/console"
	"streamconsole/pkg/tokens"
)

var (
	stderrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).TabWidth(lipgloss.NoTabConversion)
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true).TabWidth(lipgloss.NoTabConversion)
	userInputStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).TabWidth(lipgloss.NoTabConversion)
)

// StyleFor returns the terminal style of a content type
func StyleFor(ct tokens.ContentType) (lipgloss.Style, bool) {
	switch ct {
	case tokens.Stderr:
		return stderrStyle, true
	case tokens.System:
		return systemStyle, true
	case tokens.UserInput:
		return userInputStyle, true
	}
	return lipgloss.Style{}, false
}

// UseColor decides whether output to w gets styled. mode is "auto", "always"
// or "never"; auto styles only terminals.
func UseColor(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// Terminal is a console.Listener that writes every flushed chunk to an
// io.Writer as it arrives.
type Terminal struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

var _ console.Listener = (*Terminal)(nil)

func NewTerminal(w io.Writer, color bool) *Terminal {
	return &Terminal{w: w, color: color}
}

func (t *Terminal) TextAdded(text string, ct tokens.ContentType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := io.WriteString(t.w, t.style(text, ct)); err != nil {
		slog.Debug("Failed to write console output", "error", err)
	}
}

// TextRemoved is ignored; text already written to a terminal stays there
func (t *Terminal) TextRemoved(start, end int) {}

func (t *Terminal) Cleared() {}

func (t *Terminal) style(text string, ct tokens.ContentType) string {
	style, ok := StyleFor(ct)
	if !t.color || !ok {
		return text
	}
	// Style line by line so that newlines stay outside of escape sequences.
	lines := strings.SplitAfter(text, "\n")
	var sb strings.Builder
	for _, line := range lines {
		body := strings.TrimSuffix(line, "\n")
		if body != "" {
			sb.WriteString(style.Render(body))
		}
		if len(body) < len(line) {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// WriteSnapshot writes the whole console content, styled per token
func WriteSnapshot(w io.Writer, snap console.Snapshot, color bool) error {
	t := &Terminal{w: w, color: color}
	runes := []rune(snap.Text)
	for _, tok := range snap.Tokens {
		if _, err := io.WriteString(w, t.style(string(runes[tok.Start:tok.End]), tok.Type)); err != nil {
			return err
		}
	}
	return nil
}
