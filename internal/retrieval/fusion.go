package retrieval

import (
	"sort"
	"strings"
)

// rrfK is the Reciprocal Rank Fusion constant. Each list contributes
// 1/(rrfK+rank) per result, rank 1-based; a chunk in both lists sums both
// contributions. The constant is part of the ranking contract: changing it
// changes every fused ordering.
const rrfK = 60

// Importance multipliers, applied only when the owning document is
// explicitly annotated.
var importanceBoost = map[string]float64{
	"critical": 1.5,
	"high":     1.3,
	"medium":   1.0,
	"low":      0.8,
}

// candidate accumulates one chunk's state through fusion and boosting.
type candidate struct {
	result       Result
	fused        float64
	semanticRank int // 0 = absent
	keywordRank  int // 0 = absent
}

// fuse merges two ranked lists with RRF. Both inputs are already ordered
// best-first. The returned slice is ordered by fused score with
// deterministic tie-breaks: both-list presence wins, then the better best
// rank, then chunk id.
func fuse(semantic, keyword []Result) []candidate {
	byID := make(map[string]*candidate)

	add := func(r Result, rank int, isSemantic bool) {
		c, ok := byID[r.ChunkID]
		if !ok {
			c = &candidate{result: r}
			byID[r.ChunkID] = c
		}
		c.fused += 1.0 / float64(rrfK+rank)
		if isSemantic {
			c.semanticRank = rank
			// Semantic results carry richer metadata; prefer them.
			c.result = r
		} else {
			c.keywordRank = rank
			if !ok {
				c.result = r
			}
		}
	}

	for i, r := range semantic {
		add(r, i+1, true)
	}
	for i, r := range keyword {
		add(r, i+1, false)
	}

	fused := make([]candidate, 0, len(byID))
	for _, c := range byID {
		fused = append(fused, *c)
	}

	sort.Slice(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.fused != b.fused {
			return a.fused > b.fused
		}
		aBoth := a.semanticRank > 0 && a.keywordRank > 0
		bBoth := b.semanticRank > 0 && b.keywordRank > 0
		if aBoth != bBoth {
			return aBoth
		}
		if br := bestRank(a) - bestRank(b); br != 0 {
			return br < 0
		}
		return a.result.ChunkID < b.result.ChunkID
	})

	return fused
}

func bestRank(c candidate) int {
	best := c.semanticRank
	if best == 0 || (c.keywordRank > 0 && c.keywordRank < best) {
		best = c.keywordRank
	}
	return best
}

// boost multiplies fused scores by the owning document's importance, only
// for explicitly annotated documents.
func boost(cands []candidate) []candidate {
	for i := range cands {
		meta := cands[i].result.Metadata
		annotated, _ := meta["annotated"].(bool)
		if !annotated {
			continue
		}
		importance, _ := meta["importance"].(string)
		if m, ok := importanceBoost[importance]; ok {
			cands[i].fused *= m
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].fused > cands[j].fused })
	return cands
}

// Rerank blend weights.
const (
	weightFused   = 0.7
	weightOverlap = 0.2
	weightLength  = 0.1
)

// rerank blends the boosted score with query-term overlap and a preference
// for moderate chunk length, then re-sorts. Fused scores are normalized by
// the list maximum first so the three terms share the same [0,1] scale.
func rerank(query string, cands []candidate) []candidate {
	if len(cands) == 0 {
		return cands
	}

	maxFused := cands[0].fused
	for _, c := range cands {
		if c.fused > maxFused {
			maxFused = c.fused
		}
	}
	if maxFused == 0 {
		maxFused = 1
	}

	queryTerms := tokenizeQuery(query)
	for i := range cands {
		normalized := cands[i].fused / maxFused
		overlap := termOverlap(queryTerms, cands[i].result.Content)
		length := lengthScore(cands[i].result.Content)
		cands[i].fused = weightFused*normalized + weightOverlap*overlap + weightLength*length
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].fused > cands[j].fused })
	return cands
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "and": true, "in": true, "that": true,
	"have": true, "it": true, "for": true, "not": true, "on": true, "with": true,
	"as": true, "you": true, "do": true, "at": true, "this": true, "but": true,
	"by": true, "from": true,
}

func tokenizeQuery(text string) []string {
	words := strings.Fields(text)
	filtered := make([]string, 0, len(words))
	for _, word := range words {
		cleaned := strings.ToLower(strings.Trim(word, ".,!?;:'\"-()[]{}"))
		if cleaned != "" && !stopWords[cleaned] {
			filtered = append(filtered, cleaned)
		}
	}
	return filtered
}

// termOverlap is the fraction of query terms present in the content.
func termOverlap(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	contentWords := make(map[string]bool)
	for _, w := range tokenizeQuery(content) {
		contentWords[w] = true
	}
	hits := 0
	for _, term := range queryTerms {
		if contentWords[term] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

// lengthScore prefers moderate chunk lengths: too short lacks context, too
// long dilutes relevance. Peak around 600 characters, linear falloff.
func lengthScore(content string) float64 {
	const ideal = 600.0
	n := float64(len(content))
	score := 1.0 - abs(n-ideal)/ideal
	if score < 0 {
		return 0
	}
	return score
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
