package extract

import (
	"regexp"
	"strings"
)

var (
	mdFence      = regexp.MustCompile("(?m)^[ \\t]*(```|~~~).*$")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdEmphasis   = regexp.MustCompile(`(\*\*|__|\*|_|~~)([^*_~\n]+)(\*\*|__|\*|_|~~)`)
	mdQuote      = regexp.MustCompile(`(?m)^[ \t]*>\s?`)
	mdRule       = regexp.MustCompile(`(?m)^[ \t]*([-*_][ \t]*){3,}$`)
	mdBullet     = regexp.MustCompile(`(?m)^([ \t]*)[-*+]\s+`)
	mdNumbered   = regexp.MustCompile(`(?m)^([ \t]*)\d+[.)]\s+`)
	mdTableRule  = regexp.MustCompile(`(?m)^[ \t]*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?\s*$`)
	mdHTMLTag    = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	mdBlankRuns  = regexp.MustCompile(`\n{3,}`)
)

// extractMarkdown converts Markdown to plain text, keeping code and link text.
func extractMarkdown(content []byte) (string, error) {
	text, err := extractPlain(content)
	if err != nil {
		return "", err
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = mdFence.ReplaceAllString(text, "")
	text = mdImage.ReplaceAllString(text, "$1")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdInlineCode.ReplaceAllString(text, "$1")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdTableRule.ReplaceAllString(text, "")
	text = mdRule.ReplaceAllString(text, "")
	text = mdQuote.ReplaceAllString(text, "")
	text = mdBullet.ReplaceAllString(text, "$1")
	text = mdNumbered.ReplaceAllString(text, "$1")
	text = mdEmphasis.ReplaceAllString(text, "$2")
	text = mdHTMLTag.ReplaceAllString(text, "")
	text = mdBlankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text), nil
}
