package render

import (
	"html"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/microcosm-cc/bluemonday"

	"streamconsole/internal/console"
	"streamconsole/pkg/tokens"
)

var policy = newPolicy()

func newPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("pre", "span")
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("pre", "span")
	return p
}

// ClassFor returns the CSS class used for a content type
func ClassFor(ct tokens.ContentType) string {
	var sb strings.Builder
	sb.WriteString("ct-")
	for _, r := range string(ct) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			sb.WriteRune(r + ('a' - 'A'))
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// HTML renders a snapshot as a <pre> block with one span per token. Terminal
// escape sequences are dropped.
func HTML(snap console.Snapshot) string {
	runes := []rune(snap.Text)
	var sb strings.Builder
	sb.WriteString(`<pre class="console">`)
	for _, tok := range snap.Tokens {
		sb.WriteString(`<span class="`)
		sb.WriteString(ClassFor(tok.Type))
		sb.WriteString(`">`)
		sb.WriteString(html.EscapeString(ansi.Strip(string(runes[tok.Start:tok.End]))))
		sb.WriteString(`</span>`)
	}
	sb.WriteString(`</pre>`)
	return policy.Sanitize(sb.String())
}
