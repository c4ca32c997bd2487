// Package render turns opened paste plaintext into HTML fragments.
package render

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday"
)

// Renderer produces markup from plaintext. Output is never persisted.
type Renderer interface {
	Render(plaintext []byte, ext string) (string, error)
}

// Plain escapes plaintext into a <pre> block tagged with the language.
type Plain struct{}

func (Plain) Render(plaintext []byte, ext string) (string, error) {
	var b strings.Builder
	b.Grow(len(plaintext) + 64)
	b.WriteString(`<pre><code`)
	if ext != "" {
		b.WriteString(` class="language-`)
		b.WriteString(html.EscapeString(ext))
		b.WriteString(`"`)
	}
	b.WriteString(`>`)
	b.WriteString(html.EscapeString(toValidUTF8(plaintext)))
	b.WriteString(`</code></pre>`)
	return b.String(), nil
}

// Markdown renders md pastes through blackfriday and sanitizes the result.
// Every other extension falls through to Plain.
type Markdown struct {
	policy *bluemonday.Policy
	plain  Plain
}

func NewMarkdown() *Markdown {
	return &Markdown{policy: bluemonday.UGCPolicy()}
}

func (m *Markdown) Render(plaintext []byte, ext string) (string, error) {
	if !IsMarkdown(ext) {
		return m.plain.Render(plaintext, ext)
	}
	unsafe := blackfriday.MarkdownCommon([]byte(toValidUTF8(plaintext)))
	return `<div class="markdown">` + string(m.policy.SanitizeBytes(unsafe)) + `</div>`, nil
}

func IsMarkdown(ext string) bool {
	switch ext {
	case "md", "markdown":
		return true
	}
	return false
}

// toValidUTF8 keeps binary pastes displayable; raw routes serve the bytes
// untouched.
func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
