package sources

import (
	"strings"

	"golang.org/x/net/html"
)

// StripMarkup removes tags from an XML or HTML fragment and collapses
// whitespace. Entities are decoded.
func StripMarkup(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return collapseSpace(fragment)
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or malformed input; keep what was read
			return collapseSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			// Block-level breaks keep words from running together
			name, _ := z.TagName()
			switch string(name) {
			case "p", "br", "div", "li", "abstracttext":
				b.WriteByte(' ')
			}
		}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// lastSentences returns up to n sentences from the end of text
func lastSentences(text string, n int) string {
	parts := splitSentences(text)
	if len(parts) <= n {
		return strings.Join(parts, " ")
	}
	return strings.Join(parts[len(parts)-n:], " ")
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] != '.' && text[i] != '!' && text[i] != '?' {
			continue
		}
		if i+1 < len(text) && text[i+1] != ' ' {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
