package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// extractJSON pretty-prints a JSON body; content that doesn't parse as JSON
// passes through unchanged and is labeled "raw" rather than failing the fetch.
func extractJSON(body []byte) (text, extractor string) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err == nil {
		formatted, _ := json.MarshalIndent(data, "", "  ")
		return string(formatted), "json"
	}
	return string(body), "raw"
}

// --- HTML extraction ---
//
// A hand-rolled, non-DOM HTML→markdown/text pass: regex-driven rather than
// a full parser since fetched pages only need their structural elements
// (headings, links, lists, emphasis) recognized well enough to read, not a
// faithful DOM reconstruction.

var (
	htmlScriptTag    = regexp.MustCompile(`(?is)<script[\s\S]*?</script>`)
	htmlStyleTag     = regexp.MustCompile(`(?is)<style[\s\S]*?</style>`)
	htmlComment      = regexp.MustCompile(`<!--[\s\S]*?-->`)
	htmlNavTag       = regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`)
	htmlFooterTag    = regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`)
	htmlHeaderTag    = regexp.MustCompile(`(?is)<header[\s\S]*?</header>`)
	htmlAnyTag       = regexp.MustCompile(`<[^>]+>`)
	runMultiNewline  = regexp.MustCompile(`\n{3,}`)
	runMultiSpace    = regexp.MustCompile(`[ \t]{2,}`)
	htmlH1           = regexp.MustCompile(`(?i)<h1[^>]*>([\s\S]*?)</h1>`)
	htmlH2           = regexp.MustCompile(`(?i)<h2[^>]*>([\s\S]*?)</h2>`)
	htmlH3           = regexp.MustCompile(`(?i)<h3[^>]*>([\s\S]*?)</h3>`)
	htmlH4           = regexp.MustCompile(`(?i)<h4[^>]*>([\s\S]*?)</h4>`)
	htmlH5           = regexp.MustCompile(`(?i)<h5[^>]*>([\s\S]*?)</h5>`)
	htmlH6           = regexp.MustCompile(`(?i)<h6[^>]*>([\s\S]*?)</h6>`)
	htmlParagraphTag = regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`)
	htmlBreakTag     = regexp.MustCompile(`(?i)<br\s*/?>`)
	htmlListItemTag  = regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`)
	htmlAnchorTag    = regexp.MustCompile(`(?i)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`)
	htmlPreTag       = regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`)
	htmlCodeTag      = regexp.MustCompile(`(?i)<code[^>]*>([\s\S]*?)</code>`)
	htmlStrongTag    = regexp.MustCompile(`(?i)<(?:strong|b)[^>]*>([\s\S]*?)</(?:strong|b)>`)
	htmlEmTag        = regexp.MustCompile(`(?i)<(?:em|i)[^>]*>([\s\S]*?)</(?:em|i)>`)
	htmlBlockquote   = regexp.MustCompile(`(?is)<blockquote[^>]*>([\s\S]*?)</blockquote>`)
	htmlImgTag       = regexp.MustCompile(`(?i)<img[^>]*alt="([^"]*)"[^>]*/?>`)
)

// htmlToMarkdown renders fetched HTML as markdown — headings, links, lists,
// emphasis, and fenced code blocks, in that processing order so later passes
// never re-match text a prior pass already rewrote.
func htmlToMarkdown(html string) string {
	s := htmlScriptTag.ReplaceAllString(html, "")
	s = htmlStyleTag.ReplaceAllString(s, "")
	s = htmlComment.ReplaceAllString(s, "")
	s = htmlNavTag.ReplaceAllString(s, "")
	s = htmlFooterTag.ReplaceAllString(s, "")

	s = htmlH1.ReplaceAllString(s, "\n# $1\n")
	s = htmlH2.ReplaceAllString(s, "\n## $1\n")
	s = htmlH3.ReplaceAllString(s, "\n### $1\n")
	s = htmlH4.ReplaceAllString(s, "\n#### $1\n")
	s = htmlH5.ReplaceAllString(s, "\n##### $1\n")
	s = htmlH6.ReplaceAllString(s, "\n###### $1\n")

	// pre/code before stripping remaining tags
	s = htmlPreTag.ReplaceAllString(s, "\n```\n$1\n```\n")
	s = htmlCodeTag.ReplaceAllString(s, "`$1`")

	s = htmlBlockquote.ReplaceAllStringFunc(s, quoteBlockquoteMatch)

	s = htmlAnchorTag.ReplaceAllString(s, "[$2]($1)")
	s = htmlImgTag.ReplaceAllString(s, "![$1]")

	s = htmlStrongTag.ReplaceAllString(s, "**$1**")
	s = htmlEmTag.ReplaceAllString(s, "*$1*")

	s = htmlParagraphTag.ReplaceAllString(s, "\n$1\n")
	s = htmlBreakTag.ReplaceAllString(s, "\n")
	s = htmlListItemTag.ReplaceAllString(s, "\n- $1")

	s = htmlAnyTag.ReplaceAllString(s, "")

	s = decodeHTMLEntities(s)
	s = runMultiNewline.ReplaceAllString(s, "\n\n")
	s = runMultiSpace.ReplaceAllString(s, " ")

	return strings.TrimSpace(s)
}

// quoteBlockquoteMatch prefixes every line inside a <blockquote> with "> ",
// used as the replacement func for htmlBlockquote since the quoting needs a
// per-line transform a plain ReplaceAllString template can't express.
func quoteBlockquoteMatch(match string) string {
	inner := htmlBlockquote.FindStringSubmatch(match)
	if len(inner) < 2 {
		return match
	}
	lines := strings.Split(strings.TrimSpace(inner[1]), "\n")
	quoted := make([]string, 0, len(lines))
	for _, l := range lines {
		quoted = append(quoted, "> "+strings.TrimSpace(l))
	}
	return "\n" + strings.Join(quoted, "\n") + "\n"
}

// htmlToText strips HTML down to its readable text, preserving paragraph and
// list-item breaks but discarding all markdown-style formatting.
func htmlToText(html string) string {
	s := htmlScriptTag.ReplaceAllString(html, "")
	s = htmlStyleTag.ReplaceAllString(s, "")
	s = htmlComment.ReplaceAllString(s, "")
	s = htmlNavTag.ReplaceAllString(s, "")
	s = htmlFooterTag.ReplaceAllString(s, "")
	s = htmlHeaderTag.ReplaceAllString(s, "")

	s = htmlParagraphTag.ReplaceAllString(s, "\n$1\n")
	s = htmlBreakTag.ReplaceAllString(s, "\n")
	s = htmlListItemTag.ReplaceAllString(s, "\n- $1")

	s = htmlAnyTag.ReplaceAllString(s, "")

	s = decodeHTMLEntities(s)
	s = runMultiSpace.ReplaceAllString(s, " ")
	s = runMultiNewline.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	clean := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}

var (
	mdHeadingMarker = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdInlineCode    = regexp.MustCompile("`[^`]+`")
	mdLink          = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdImage         = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
)

// markdownToText drops markdown's own punctuation when a caller asked for
// plain text but the source (e.g. a text/markdown response) was already
// markdown rather than HTML.
func markdownToText(md string) string {
	s := mdHeadingMarker.ReplaceAllString(md, "")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = mdInlineCode.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Trim(m, "`")
	})
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdImage.ReplaceAllString(s, "$1")
	s = runMultiNewline.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// decodeHTMLEntities decodes the entity set actually seen in fetched pages;
// numeric entities (&#...;) are rare enough in practice to skip.
func decodeHTMLEntities(s string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
		"&nbsp;", " ",
		"&mdash;", "\u2014",
		"&ndash;", "\u2013",
		"&laquo;", "\u00ab",
		"&raquo;", "\u00bb",
		"&bull;", "\u2022",
		"&hellip;", "...",
		"&copy;", "(c)",
		"&reg;", "(R)",
		"&trade;", "(TM)",
	)
	return replacer.Replace(s)
}
