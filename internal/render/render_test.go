package render

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"streamconsole/internal/console"
	"streamconsole/pkg/tokens"
)

func TestTerminal_NoColor(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, false)

	term.TextAdded("out\n", tokens.Stdout)
	term.TextAdded("err\n", tokens.Stderr)
	term.TextRemoved(0, 1)
	term.Cleared()

	require.Equal(t, "out\nerr\n", buf.String())
}

func TestTerminal_ColorKeepsNewlinesOutsideStyles(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, true)

	term.TextAdded("a\n\nb", tokens.Stderr)

	out := buf.String()
	require.Equal(t, 2, strings.Count(out, "\n"))
	require.Contains(t, out, "a")
	require.Contains(t, out, "b")
	require.False(t, strings.HasSuffix(out, "\n"))
}

func TestUseColor(t *testing.T) {
	var buf bytes.Buffer
	require.True(t, UseColor("always", &buf))
	require.False(t, UseColor("never", &buf))
	require.False(t, UseColor("auto", &buf))
}

func TestWriteSnapshot(t *testing.T) {
	snap := console.Snapshot{
		Text: "héllo wörld",
		Tokens: []tokens.Token{
			{Type: tokens.Stdout, Start: 0, End: 6},
			{Type: tokens.System, Start: 6, End: 11},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, snap, false))
	require.Equal(t, "héllo wörld", buf.String())
}

func TestHTML(t *testing.T) {
	snap := console.Snapshot{
		Text: "<script>alert(1)</script>\nok",
		Tokens: []tokens.Token{
			{Type: tokens.Stderr, Start: 0, End: 26},
			{Type: tokens.UserInput, Start: 26, End: 28},
		},
	}

	out := HTML(snap)

	require.NotContains(t, out, "<script>")
	require.Contains(t, out, `<span class="ct-stderr">&lt;script&gt;`)
	require.Contains(t, out, `<span class="ct-user-input">ok</span>`)
	require.True(t, strings.HasPrefix(out, `<pre class="console">`))
}

func TestClassFor(t *testing.T) {
	require.Equal(t, "ct-stdout", ClassFor(tokens.Stdout))
	require.Equal(t, "ct-my_type", ClassFor("My type"))
}

func TestHTML_StripsEscapeSequences(t *testing.T) {
	snap := console.Snapshot{
		Text:   "\x1b[1;32mPASS\x1b[0m done",
		Tokens: []tokens.Token{{Type: tokens.Stdout, Start: 0, End: 20}},
	}
	require.Equal(t, `<pre class="console"><span class="ct-stdout">PASS done</span></pre>`, HTML(snap))
}
