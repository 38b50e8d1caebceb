// ABOUTME: Markdown rendering for agent-facing notices
// ABOUTME: Produces the HTML body Matrix clients show alongside the plain text

package messenger

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
)

// renderMarkdown converts text to HTML. Plain single-paragraph text yields ""
// so the message is sent without a formatted body.
func renderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	html := strings.TrimSpace(buf.String())

	inner := strings.TrimSuffix(strings.TrimPrefix(html, "<p>"), "</p>")
	if inner == text && !strings.Contains(inner, "<") {
		return "", nil
	}
	return html, nil
}
