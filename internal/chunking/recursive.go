package chunking

import (
	"log/slog"
	"strings"
)

// separators is the recursive cascade: section break, paragraph, line,
// sentence, clause, word. A single word that still exceeds the budget is
// atomic and emitted whole.
var separators = []string{"\n\n\n", "\n\n", "\n", ". ", ", ", " "}

// splitRecursiveSpans is the shared fallback for every strategy.
func splitRecursiveSpans(text string, opts Options) []span {
	pieces := recursiveSplit(text, separators, budget(opts))
	pieces = applyOverlap(pieces, opts.OverlapTokens)

	spans := make([]span, 0, len(pieces))
	for _, p := range pieces {
		spans = append(spans, span{content: p, oversize: CountTokens(p) > opts.MaxTokens})
	}
	return spans
}

// budget is the merge target. When overlap is configured the target shrinks
// so a chunk stays within MaxTokens after its overlap prefix is added.
func budget(opts Options) int {
	b := opts.MaxTokens - opts.OverlapTokens
	if b < 1 {
		b = 1
	}
	return b
}

// recursiveSplit descends the separator cascade, only recursing into spans
// that exceed maxTokens, then greedily merges neighbours back up to the
// budget.
func recursiveSplit(text string, seps []string, maxTokens int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if CountTokens(text) <= maxTokens {
		return []string{text}
	}

	if len(seps) == 0 {
		// Atomic unit: cannot be split further without breaking a word.
		slog.Warn("oversize atomic chunk emitted", "tokens", CountTokens(text), "max_tokens", maxTokens)
		return []string{text}
	}

	parts := strings.Split(text, seps[0])
	if len(parts) == 1 {
		return recursiveSplit(text, seps[1:], maxTokens)
	}

	var pieces []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if CountTokens(part) > maxTokens {
			pieces = append(pieces, recursiveSplit(part, seps[1:], maxTokens)...)
		} else {
			pieces = append(pieces, part)
		}
	}

	return mergePieces(pieces, joinerFor(seps[0]), maxTokens)
}

// joinerFor picks the glue used when merging pieces that were split on sep.
// Sentence and clause separators keep their punctuation on the left piece,
// so merging re-inserts only the trailing whitespace.
func joinerFor(sep string) string {
	switch sep {
	case ". ":
		return ". "
	case ", ":
		return ", "
	case " ":
		return " "
	default:
		return sep
	}
}

func mergePieces(pieces []string, joiner string, maxTokens int) []string {
	var merged []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() > 0 {
			merged = append(merged, current.String())
			current.Reset()
			currentTokens = 0
		}
	}

	for _, p := range pieces {
		t := CountTokens(p)
		if currentTokens > 0 && currentTokens+t > maxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(joiner)
		}
		current.WriteString(p)
		currentTokens += t
	}
	flush()

	return merged
}

// applyOverlap prefixes every chunk after the first with the trailing words
// of its predecessor, sized to roughly overlapTokens.
func applyOverlap(pieces []string, overlapTokens int) []string {
	if overlapTokens <= 0 || len(pieces) < 2 {
		return pieces
	}

	out := make([]string, len(pieces))
	out[0] = pieces[0]
	for i := 1; i < len(pieces); i++ {
		tail := trailingWords(pieces[i-1], overlapTokens)
		if tail == "" {
			out[i] = pieces[i]
			continue
		}
		out[i] = tail + " " + pieces[i]
	}
	return out
}

// trailingWords returns the longest word-aligned suffix of text whose token
// count does not exceed maxTokens.
func trailingWords(text string, maxTokens int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	start := len(words)
	for start > 0 {
		candidate := strings.Join(words[start-1:], " ")
		if CountTokens(candidate) > maxTokens {
			break
		}
		start--
	}
	if start == len(words) {
		return ""
	}
	return strings.Join(words[start:], " ")
}
