package tgui

import (
	"html"
	"strings"
)

// H is HTML that is already escaped for Telegram's HTML parse mode.
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + string(inner) + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Pre renders a preformatted block. Keep it short: a chunked message must
// not split one block across two sends.
func Pre(s string) H { return H("<pre>" + html.EscapeString(s) + "</pre>") }

// KV renders "label: value" with a bold label.
func KV(label, value string) H { return B(label) + ": " + Esc(value) }

// Lines joins non-blank parts with newlines.
func Lines(parts ...H) H {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		out = append(out, string(p))
	}
	return H(strings.Join(out, "\n"))
}
