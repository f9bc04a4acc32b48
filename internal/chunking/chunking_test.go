package chunking

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wordRun(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("word%03d", i)
	}
	return strings.Join(words, " ")
}

func TestParseStrategy(t *testing.T) {
	t.Run("All Known Strategies", func(t *testing.T) {
		for _, name := range []string{"recursive", "by_heading", "by_page", "by_similarity", "sentence", "paragraph", "adaptive", "hybrid"} {
			s, err := ParseStrategy(name)
			assert.NoError(t, err)
			assert.Equal(t, Strategy(name), s)
		}
	})

	t.Run("Empty Defaults To Recursive", func(t *testing.T) {
		s, err := ParseStrategy("")
		assert.NoError(t, err)
		assert.Equal(t, StrategyRecursive, s)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := ParseStrategy("semantic_magic")
		assert.ErrorIs(t, err, ErrUnknownStrategy)
	})
}

func TestSplit_Recursive(t *testing.T) {
	t.Run("Empty Input", func(t *testing.T) {
		chunks, err := Split("   \n\n  ", Options{Strategy: StrategyRecursive})
		assert.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("Short Text Single Chunk", func(t *testing.T) {
		chunks, err := Split("just a short sentence.", Options{Strategy: StrategyRecursive, MaxTokens: 100})
		assert.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, 0, chunks[0].Position)
		assert.Equal(t, "just a short sentence.", chunks[0].Content)
		assert.Positive(t, chunks[0].TokenCount)
	})

	t.Run("Positions Contiguous And Increasing", func(t *testing.T) {
		text := wordRun(400)
		chunks, err := Split(text, Options{Strategy: StrategyRecursive, MaxTokens: 40})
		assert.NoError(t, err)
		require.Greater(t, len(chunks), 1)
		for i, c := range chunks {
			assert.Equal(t, i, c.Position)
			assert.NotEmpty(t, c.Content)
		}
	})

	t.Run("Token Budget Enforced Unless Oversize", func(t *testing.T) {
		text := wordRun(300)
		max := 30
		chunks, err := Split(text, Options{Strategy: StrategyRecursive, MaxTokens: max})
		assert.NoError(t, err)
		for _, c := range chunks {
			if !c.Oversize {
				assert.LessOrEqual(t, c.TokenCount, max, "chunk %d", c.Position)
			}
		}
	})

	t.Run("Oversize Atomic Word Emitted Whole", func(t *testing.T) {
		word := strings.Repeat("x", 300)
		chunks, err := Split(word, Options{Strategy: StrategyRecursive, MaxTokens: 1})
		assert.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, word, chunks[0].Content)
		assert.True(t, chunks[0].Oversize)
	})

	t.Run("Overlap Carries Predecessor Tail", func(t *testing.T) {
		text := wordRun(200)
		chunks, err := Split(text, Options{Strategy: StrategyRecursive, MaxTokens: 30, OverlapTokens: 5})
		assert.NoError(t, err)
		require.Greater(t, len(chunks), 1)

		prevWords := strings.Fields(chunks[0].Content)
		firstOfSecond := strings.Fields(chunks[1].Content)[0]
		tail := prevWords[len(prevWords)-8:]
		assert.Contains(t, tail, firstOfSecond, "second chunk should start inside the first chunk's tail")
	})

	t.Run("No Overlap When Disabled", func(t *testing.T) {
		text := wordRun(100)
		chunks, err := Split(text, Options{Strategy: StrategyRecursive, MaxTokens: 20, OverlapTokens: 0})
		assert.NoError(t, err)
		require.Greater(t, len(chunks), 1)
		seen := map[string]bool{}
		for _, c := range chunks {
			for _, w := range strings.Fields(c.Content) {
				assert.False(t, seen[w], "word %s duplicated across chunks", w)
				seen[w] = true
			}
		}
	})
}

func TestSplit_ByHeading(t *testing.T) {
	t.Run("Markdown Sections", func(t *testing.T) {
		text := "# Intro\nhello world\n\n## Setup\ninstall things\n\n## Usage\nrun things"
		chunks, err := Split(text, Options{Strategy: StrategyByHeading, MaxTokens: 200})
		assert.NoError(t, err)
		require.Len(t, chunks, 3)
		assert.Equal(t, "Intro", chunks[0].Heading)
		assert.Equal(t, "Setup", chunks[1].Heading)
		assert.Equal(t, "Usage", chunks[2].Heading)
	})

	t.Run("Underlined Heading", func(t *testing.T) {
		text := "Overview\n========\nsome body text here\n\nDetails\n-------\nmore body text"
		chunks, err := Split(text, Options{Strategy: StrategyByHeading, MaxTokens: 200})
		assert.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, "Overview", chunks[0].Heading)
		assert.Equal(t, "Details", chunks[1].Heading)
	})

	t.Run("Numbered And Caps Headings", func(t *testing.T) {
		text := "1.2 Configuration\nbody line one\n\nAPPENDIX A\nbody line two"
		chunks, err := Split(text, Options{Strategy: StrategyByHeading, MaxTokens: 200})
		assert.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, "1.2 Configuration", chunks[0].Heading)
		assert.Equal(t, "APPENDIX A", chunks[1].Heading)
	})

	t.Run("Oversized Section Keeps Heading", func(t *testing.T) {
		text := "# Big Section\n" + wordRun(200)
		chunks, err := Split(text, Options{Strategy: StrategyByHeading, MaxTokens: 30})
		assert.NoError(t, err)
		require.Greater(t, len(chunks), 1)
		for _, c := range chunks {
			assert.Equal(t, "Big Section", c.Heading)
		}
	})
}

func TestSplit_ByPage(t *testing.T) {
	t.Run("Form Feed Breaks", func(t *testing.T) {
		text := "page one body\fpage two body\fpage three body"
		chunks, err := Split(text, Options{Strategy: StrategyByPage, MaxTokens: 100})
		assert.NoError(t, err)
		require.Len(t, chunks, 3)
		assert.Equal(t, 1, chunks[0].Page)
		assert.Equal(t, 2, chunks[1].Page)
		assert.Equal(t, 3, chunks[2].Page)
	})

	t.Run("Oversized Page Splits Keeping Page Number", func(t *testing.T) {
		text := "small page\f" + wordRun(200)
		chunks, err := Split(text, Options{Strategy: StrategyByPage, MaxTokens: 30})
		assert.NoError(t, err)
		require.Greater(t, len(chunks), 2)
		assert.Equal(t, 1, chunks[0].Page)
		for _, c := range chunks[1:] {
			assert.Equal(t, 2, c.Page)
		}
	})
}

func TestSplit_Sentence(t *testing.T) {
	text := "First sentence here. Second sentence here. Third sentence rounds it out."
	chunks, err := Split(text, Options{Strategy: StrategySentence, MaxTokens: 10})
	assert.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	// Sentence boundaries respected: no chunk starts mid-sentence.
	for _, c := range chunks {
		assert.NotEqual(t, "", c.Content)
		first := []rune(c.Content)[0]
		assert.True(t, first == 'F' || first == 'S' || first == 'T', "chunk starts mid-sentence: %q", c.Content)
	}
}

func TestSplit_Paragraph(t *testing.T) {
	text := "para one is short.\n\npara two is also short.\n\npara three closes."
	chunks, err := Split(text, Options{Strategy: StrategyParagraph, MaxTokens: 10})
	assert.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.NotContains(t, c.Content, "\n\n\n")
	}
}

func TestSplit_BySimilarity(t *testing.T) {
	t.Run("Topic Shift Creates Boundary", func(t *testing.T) {
		text := "The cat sat on the mat. The cat licked the cat paw. Quantum entanglement defies locality. Quantum particles share entanglement states."
		chunks, err := Split(text, Options{Strategy: StrategyBySimilarity, MaxTokens: 200})
		assert.NoError(t, err)
		require.GreaterOrEqual(t, len(chunks), 2)
		assert.Contains(t, chunks[0].Content, "cat")
		assert.NotContains(t, chunks[0].Content, "Quantum")
	})

	t.Run("Single Sentence", func(t *testing.T) {
		chunks, err := Split("Just one sentence.", Options{Strategy: StrategyBySimilarity, MaxTokens: 100})
		assert.NoError(t, err)
		require.Len(t, chunks, 1)
	})
}

func TestSplit_Adaptive(t *testing.T) {
	t.Run("Heading Heavy Picks ByHeading", func(t *testing.T) {
		text := "# A\nbody\n# B\nbody\n# C\nbody"
		chunks, err := Split(text, Options{Strategy: StrategyAdaptive, MaxTokens: 100})
		assert.NoError(t, err)
		require.NotEmpty(t, chunks)
		assert.Equal(t, StrategyByHeading, chunks[0].Strategy)
	})

	t.Run("Page Breaks Pick ByPage", func(t *testing.T) {
		text := "one\ftwo\fthree"
		chunks, err := Split(text, Options{Strategy: StrategyAdaptive, MaxTokens: 100})
		assert.NoError(t, err)
		require.NotEmpty(t, chunks)
		assert.Equal(t, StrategyByPage, chunks[0].Strategy)
	})

	t.Run("Plain Prose Picks Paragraph", func(t *testing.T) {
		text := "first paragraph text.\n\nsecond paragraph text."
		chunks, err := Split(text, Options{Strategy: StrategyAdaptive, MaxTokens: 100})
		assert.NoError(t, err)
		require.NotEmpty(t, chunks)
		assert.Equal(t, StrategyParagraph, chunks[0].Strategy)
	})
}

func TestSplit_Hybrid(t *testing.T) {
	text := "# Topic One\n" + wordRun(120) + "\n\n# Topic Two\nshort body"
	chunks, err := Split(text, Options{Strategy: StrategyHybrid, MaxTokens: 40})
	assert.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	var sawOne, sawTwo bool
	for _, c := range chunks {
		switch c.Heading {
		case "Topic One":
			sawOne = true
		case "Topic Two":
			sawTwo = true
		}
	}
	assert.True(t, sawOne)
	assert.True(t, sawTwo)
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Positive(t, CountTokens("hello"))
	assert.Greater(t, CountTokens(wordRun(100)), CountTokens(wordRun(10)))
}

func TestTrailingWords(t *testing.T) {
	tail := trailingWords("alpha beta gamma delta", 2)
	assert.NotEmpty(t, tail)
	assert.True(t, strings.HasSuffix("alpha beta gamma delta", tail))
	assert.Empty(t, trailingWords("", 5))
}
