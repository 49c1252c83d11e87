package gmail

import (
	"regexp"
	"strings"
)

// maxPartDepth bounds the MIME tree walk. The provider's tree is acyclic
// by construction, but nesting depth is not under our control.
const maxPartDepth = 32

// ExtractBody reduces a message payload tree to readable text. The
// text/plain leaf is preferred verbatim (after whitespace and entity
// cleanup); when only text/html exists it is stripped down to text.
// Returns "" when the tree carries no decodable text part.
func ExtractBody(payload *Part) string {
	var plain, html string
	collectText(payload, 0, &plain, &html)

	if plain != "" {
		return cleanPlainText(plain)
	}
	if html != "" {
		return htmlToText(html)
	}
	return ""
}

func collectText(part *Part, depth int, plain, html *string) {
	if part == nil || depth > maxPartDepth {
		return
	}

	if part.Body != nil && part.Body.Data != "" {
		if decoded := decodeBody(part.Body.Data); decoded != nil {
			switch part.MimeType {
			case "text/plain":
				*plain = string(decoded)
			case "text/html":
				*html = string(decoded)
			}
		}
	}

	for _, sub := range part.Parts {
		collectText(sub, depth+1, plain, html)
	}
}

var (
	zeroWidthRe  = regexp.MustCompile("[\u200B\u200C\u200D\uFEFF]")
	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
	blankRunRe   = regexp.MustCompile(`\n\s*\n\s*\n+`)
	styleBlockRe = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	scriptBlockRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	headBlockRe  = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	brTagRe      = regexp.MustCompile(`(?i)<br\s*/?>`)
	pCloseRe     = regexp.MustCompile(`(?i)</p>`)
	divCloseRe   = regexp.MustCompile(`(?i)</div>`)
	hCloseRe     = regexp.MustCompile(`(?i)</h[1-6]>`)
	liCloseRe    = regexp.MustCompile(`(?i)</li>`)
	anyTagRe     = regexp.MustCompile(`<[^>]+>`)
)

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&rsquo;", "'",
	"&lsquo;", "'",
	"&rdquo;", `"`,
	"&ldquo;", `"`,
	"&mdash;", "—",
	"&ndash;", "–",
)

func cleanPlainText(s string) string {
	s = zeroWidthRe.ReplaceAllString(s, "")
	s = entityReplacer.Replace(s)
	s = spaceRunRe.ReplaceAllString(s, " ")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func htmlToText(s string) string {
	s = styleBlockRe.ReplaceAllString(s, "")
	s = scriptBlockRe.ReplaceAllString(s, "")
	s = headBlockRe.ReplaceAllString(s, "")
	s = brTagRe.ReplaceAllString(s, "\n")
	s = pCloseRe.ReplaceAllString(s, "\n\n")
	s = divCloseRe.ReplaceAllString(s, "\n")
	s = hCloseRe.ReplaceAllString(s, "\n\n")
	s = liCloseRe.ReplaceAllString(s, "\n")
	s = anyTagRe.ReplaceAllString(s, "")
	s = zeroWidthRe.ReplaceAllString(s, "")
	s = entityReplacer.Replace(s)
	s = spaceRunRe.ReplaceAllString(s, " ")

	// Trim each line, then collapse runs of blank lines to one.
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
