package chunking

import (
	"fmt"
	"strings"
)

// Strategy selects how a document is segmented. Exactly one strategy is
// active per knowledge base; every strategy falls back to recursive
// splitting for spans that exceed the token budget.
type Strategy string

const (
	StrategyRecursive    Strategy = "recursive"
	StrategyByHeading    Strategy = "by_heading"
	StrategyByPage       Strategy = "by_page"
	StrategyBySimilarity Strategy = "by_similarity"
	StrategySentence     Strategy = "sentence"
	StrategyParagraph    Strategy = "paragraph"
	StrategyAdaptive     Strategy = "adaptive"
	StrategyHybrid       Strategy = "hybrid"
)

var ErrUnknownStrategy = fmt.Errorf("unknown chunking strategy")

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRecursive, StrategyByHeading, StrategyByPage, StrategyBySimilarity,
		StrategySentence, StrategyParagraph, StrategyAdaptive, StrategyHybrid:
		return Strategy(s), nil
	case "":
		return StrategyRecursive, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

const (
	DefaultMaxTokens = 512
	DefaultOverlap   = 50
)

type Options struct {
	Strategy      Strategy
	MaxTokens     int
	OverlapTokens int
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyRecursive
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.OverlapTokens < 0 {
		o.OverlapTokens = 0
	}
	if o.OverlapTokens >= o.MaxTokens {
		o.OverlapTokens = o.MaxTokens / 4
	}
	return o
}

// Chunk is one ordered segment of a document's text. Positions are
// contiguous from 0 within a single Split call.
type Chunk struct {
	Position   int
	Content    string
	TokenCount int
	WordCount  int
	CharCount  int
	Heading    string
	Page       int
	Strategy   Strategy
	Oversize   bool
}

// span is an intermediate segment carrying structural metadata before
// position assignment.
type span struct {
	content  string
	heading  string
	page     int
	oversize bool
}

// Split segments text with the configured strategy. It never returns an
// empty chunk for non-empty input, and a chunk's token count only exceeds
// MaxTokens when a single atomic unit could not be split further.
func Split(text string, opts Options) ([]Chunk, error) {
	opts = opts.withDefaults()

	text = normalize(text)
	if text == "" {
		return nil, nil
	}

	strategy := opts.Strategy
	if strategy == StrategyAdaptive {
		strategy = chooseStrategy(text)
	}

	var spans []span
	switch strategy {
	case StrategyRecursive:
		spans = splitRecursiveSpans(text, opts)
	case StrategyByHeading:
		spans = splitByHeading(text, opts)
	case StrategyByPage:
		spans = splitByPage(text, opts)
	case StrategyBySimilarity:
		spans = splitBySimilarity(text, opts)
	case StrategySentence:
		spans = splitBySentence(text, opts)
	case StrategyParagraph:
		spans = splitByParagraph(text, opts)
	case StrategyHybrid:
		spans = splitHybrid(text, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	if len(spans) == 0 {
		spans = []span{{content: text}}
	}

	chunks := make([]Chunk, 0, len(spans))
	for i, sp := range spans {
		content := strings.TrimSpace(sp.content)
		if content == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Position:   i,
			Content:    content,
			TokenCount: CountTokens(content),
			WordCount:  len(strings.Fields(content)),
			CharCount:  len(content),
			Heading:    sp.heading,
			Page:       sp.page,
			Strategy:   strategy,
			Oversize:   sp.oversize,
		})
	}

	// Re-number after dropping empties so positions stay contiguous.
	for i := range chunks {
		chunks[i].Position = i
	}

	return chunks, nil
}

func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, " ", " ")
	return strings.TrimSpace(text)
}
