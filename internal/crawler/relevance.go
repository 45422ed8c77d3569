package crawler

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/polite-crawler/internal/store"
)

// DefaultKeywords are the topical path keywords that raise a link's relevance.
var DefaultKeywords = []string{"novice", "forum", "clanki"}

// Scorer assigns frontier priority to discovered URLs.
type Scorer struct {
	SeedDomain string
	Keywords   []string
}

// NewScorer returns a Scorer, falling back to DefaultKeywords when none are given.
func NewScorer(seedDomain string, keywords []string) Scorer {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return Scorer{SeedDomain: strings.ToLower(seedDomain), Keywords: kw}
}

// Score returns one point for a seed-domain host and one for a keyword in the path.
func (s Scorer) Score(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	score := 0
	if s.SeedDomain != "" && strings.EqualFold(u.Host, s.SeedDomain) {
		score++
	}
	path := strings.ToLower(u.Path)
	for _, k := range s.Keywords {
		if strings.Contains(path, k) {
			score++
			break
		}
	}
	return score
}

// ScoreAll pairs each URL with its score.
func (s Scorer) ScoreAll(urls []string) []store.LinkCandidate {
	out := make([]store.LinkCandidate, 0, len(urls))
	for _, u := range urls {
		out = append(out, store.LinkCandidate{URL: u, Relevance: s.Score(u)})
	}
	return out
}
