package chunking

import (
	"regexp"
	"strings"
)

var (
	markdownHeadingRe = regexp.MustCompile(`^#{1,6}\s+\S`)
	underlineRe       = regexp.MustCompile(`^(={3,}|-{3,})\s*$`)
	numberedHeadingRe = regexp.MustCompile(`^\d+(\.\d+)*[.)]?\s+\S`)
	allCapsRe         = regexp.MustCompile(`^[A-Z0-9][A-Z0-9 \t:&,'-]{2,78}$`)
)

type section struct {
	heading string
	body    []string
}

// isHeadingLine reports whether line opens a new section. next is the line
// that follows, used to detect underlined headings.
func isHeadingLine(line, next string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if markdownHeadingRe.MatchString(trimmed) {
		return true
	}
	if numberedHeadingRe.MatchString(trimmed) && len(trimmed) < 80 {
		return true
	}
	if allCapsRe.MatchString(trimmed) && strings.ToUpper(trimmed) == trimmed {
		return true
	}
	// Underlined heading: short line followed by === or ---
	if underlineRe.MatchString(strings.TrimSpace(next)) && len(trimmed) < 80 {
		return true
	}
	return false
}

func stripHeadingMarkers(line string) string {
	trimmed := strings.TrimSpace(line)
	return strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
}

// sectionize groups lines under their nearest preceding heading. Text before
// the first heading lands in an untitled leading section.
func sectionize(text string) []section {
	lines := strings.Split(text, "\n")
	var sections []section
	current := section{}

	for i := 0; i < len(lines); i++ {
		next := ""
		if i+1 < len(lines) {
			next = lines[i+1]
		}

		if isHeadingLine(lines[i], next) {
			if len(current.body) > 0 || current.heading != "" {
				sections = append(sections, current)
			}
			current = section{heading: stripHeadingMarkers(lines[i]), body: []string{lines[i]}}
			// Swallow the underline of an underlined heading.
			if underlineRe.MatchString(strings.TrimSpace(next)) && !underlineRe.MatchString(strings.TrimSpace(lines[i])) {
				current.body = append(current.body, next)
				i++
			}
			continue
		}
		current.body = append(current.body, lines[i])
	}
	if len(current.body) > 0 || current.heading != "" {
		sections = append(sections, current)
	}
	return sections
}

// splitByHeading groups text by detected headings. A section over the token
// budget is recursively split, each piece keeping its originating heading.
func splitByHeading(text string, opts Options) []span {
	var spans []span
	for _, sec := range sectionize(text) {
		body := strings.TrimSpace(strings.Join(sec.body, "\n"))
		if body == "" {
			continue
		}
		spans = append(spans, splitSectionBody(body, sec.heading, opts)...)
	}
	return spans
}

// splitSectionBody emits a whole section when it fits, otherwise hands it to
// the recursive fallback, tagging every piece with the section heading.
func splitSectionBody(body, heading string, opts Options) []span {
	if CountTokens(body) <= opts.MaxTokens {
		return []span{{content: body, heading: heading}}
	}
	sub := splitRecursiveSpans(body, opts)
	for i := range sub {
		sub[i].heading = heading
	}
	return sub
}

// headingDensity is the fraction of non-empty lines that look like headings.
func headingDensity(text string) float64 {
	lines := strings.Split(text, "\n")
	nonEmpty, headings := 0, 0
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonEmpty++
		next := ""
		if i+1 < len(lines) {
			next = lines[i+1]
		}
		if isHeadingLine(line, next) {
			headings++
		}
	}
	if nonEmpty == 0 {
		return 0
	}
	return float64(headings) / float64(nonEmpty)
}
