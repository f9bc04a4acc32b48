package chunking

import (
	"math"
	"regexp"
	"strings"
)

var (
	pageBreakRe = regexp.MustCompile(`\f|\n-{3,}\s*(?i:page)\s*\d*\s*-{3,}\n`)
	sentenceRe  = regexp.MustCompile(`[^.!?\n]+[.!?]+[\s"')\]]*|[^.!?\n]+\n?`)
	codeFenceRe = regexp.MustCompile("(?m)^```")
	tableRowRe  = regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`)
)

// splitByPage restricts boundaries to page breaks (form feeds or explicit
// page-marker lines). Oversized pages fall back to recursive splitting with
// the page number preserved.
func splitByPage(text string, opts Options) []span {
	pages := pageBreakRe.Split(text, -1)

	var spans []span
	pageNo := 0
	for _, page := range pages {
		page = strings.TrimSpace(page)
		if page == "" {
			continue
		}
		pageNo++
		if CountTokens(page) <= opts.MaxTokens {
			spans = append(spans, span{content: page, page: pageNo})
			continue
		}
		for _, sub := range splitRecursiveSpans(page, opts) {
			sub.page = pageNo
			spans = append(spans, sub)
		}
	}
	return spans
}

func splitSentences(text string) []string {
	raw := sentenceRe.FindAllString(text, -1)
	sentences := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		trimmed := strings.TrimSpace(text)
		if trimmed != "" {
			sentences = []string{trimmed}
		}
	}
	return sentences
}

// splitBySentence packs whole sentences up to the token budget. A single
// sentence over the budget goes through the recursive fallback.
func splitBySentence(text string, opts Options) []span {
	return packUnits(splitSentences(text), " ", opts)
}

// splitByParagraph packs whole paragraphs up to the token budget.
func splitByParagraph(text string, opts Options) []span {
	paras := strings.Split(text, "\n\n")
	units := make([]string, 0, len(paras))
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p != "" {
			units = append(units, p)
		}
	}
	return packUnits(units, "\n\n", opts)
}

// packUnits greedily fills chunks with whole units, deferring oversized
// units to the recursive fallback.
func packUnits(units []string, joiner string, opts Options) []span {
	var spans []span
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) > 0 {
			spans = append(spans, span{content: strings.Join(current, joiner)})
			current = nil
			currentTokens = 0
		}
	}

	for _, unit := range units {
		t := CountTokens(unit)
		if t > opts.MaxTokens {
			flush()
			spans = append(spans, splitRecursiveSpans(unit, opts)...)
			continue
		}
		if currentTokens > 0 && currentTokens+t > opts.MaxTokens {
			flush()
		}
		current = append(current, unit)
		currentTokens += t
	}
	flush()

	return spans
}

// similarityFloor is the lexical cosine below which two adjacent sentences
// are considered a topic discontinuity.
const similarityFloor = 0.3

// splitBySimilarity groups consecutive sentences until a lexical cosine
// discontinuity, then packs each group within the token budget.
func splitBySimilarity(text string, opts Options) []span {
	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return packUnits(sentences, " ", opts)
	}

	vecs := make([]map[string]float64, len(sentences))
	for i, s := range sentences {
		vecs[i] = termFrequencies(s)
	}

	var spans []span
	var group []string
	groupTokens := 0

	flush := func() {
		if len(group) > 0 {
			spans = append(spans, packUnits(group, " ", opts)...)
			group = nil
			groupTokens = 0
		}
	}

	for i, s := range sentences {
		if i > 0 && cosine(vecs[i-1], vecs[i]) < similarityFloor {
			flush()
		}
		t := CountTokens(s)
		if groupTokens > 0 && groupTokens+t > opts.MaxTokens {
			flush()
		}
		group = append(group, s)
		groupTokens += t
	}
	flush()

	return spans
}

func termFrequencies(s string) map[string]float64 {
	tf := make(map[string]float64)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:'\"()[]{}")
		if len(w) < 2 {
			continue
		}
		tf[w]++
	}
	return tf
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for w, va := range a {
		na += va * va
		if vb, ok := b[w]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		nb += vb * vb
	}
	if dot == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// chooseStrategy picks a concrete strategy for adaptive mode from cheap
// structural heuristics.
func chooseStrategy(text string) Strategy {
	if pageBreakRe.MatchString(text) {
		return StrategyByPage
	}
	if headingDensity(text) > 0.05 {
		return StrategyByHeading
	}
	lines := strings.Count(text, "\n") + 1
	structural := len(codeFenceRe.FindAllString(text, -1)) + len(tableRowRe.FindAllString(text, -1))
	if lines > 0 && float64(structural)/float64(lines) > 0.1 {
		return StrategyRecursive
	}
	if strings.Contains(text, "\n\n") {
		return StrategyParagraph
	}
	return StrategySentence
}

// splitHybrid groups by heading first, then sub-splits oversized sections
// along similarity discontinuities, keeping the section heading on every
// piece.
func splitHybrid(text string, opts Options) []span {
	var spans []span
	for _, sec := range sectionize(text) {
		body := strings.TrimSpace(strings.Join(sec.body, "\n"))
		if body == "" {
			continue
		}
		if CountTokens(body) <= opts.MaxTokens {
			spans = append(spans, span{content: body, heading: sec.heading})
			continue
		}
		sub := splitBySimilarity(body, opts)
		for i := range sub {
			sub[i].heading = sec.heading
		}
		spans = append(spans, sub...)
	}
	return spans
}
