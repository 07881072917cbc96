// ABOUTME: Markdown rendering for decision questions
// ABOUTME: Uses goldmark with raw HTML disabled so questions cannot inject markup

package decision

import (
	"bytes"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderQuestion converts a markdown question to HTML. On failure the
// question is returned escaped inside a paragraph.
func RenderQuestion(question string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(question), &buf); err != nil {
		return "<p>" + html.EscapeString(question) + "</p>"
	}
	return buf.String()
}
