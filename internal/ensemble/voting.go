// Package ensemble fans one request out to several models and picks a
// single winner by vote. Only successfully parsed results take part in
// the vote; failures stay visible in the round's rationale.
package ensemble

import (
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"dev.sprung.conductor/internal/models"
)

// Scheme names a voting scheme.
type Scheme string

const (
	// SchemePlurality groups equivalent answers; the largest group wins.
	SchemePlurality Scheme = "plurality"

	// SchemeScore rates each answer independently; the highest wins.
	SchemeScore Scheme = "score"
)

// EquivalenceFunc reports whether two parsed results count as the same
// answer for grouping purposes.
type EquivalenceFunc func(a, b *models.StructuredResult) bool

// ScoreFunc rates one parsed result in [0, 1].
type ScoreFunc func(r *models.StructuredResult) float64

// Strategy selects a winner among successfully parsed results. Scores
// are keyed by model id and suitable for surfacing to callers.
type Strategy interface {
	Name() Scheme
	Select(results []*models.StructuredResult) (*models.StructuredResult, map[string]float64, error)
}

// StrategyFor returns the strategy for a scheme name with the default
// equivalence/score functions. Unknown schemes fall back to plurality.
func StrategyFor(scheme Scheme) Strategy {
	switch scheme {
	case SchemeScore:
		return NewScore(nil)
	default:
		return NewPlurality(nil)
	}
}

// Plurality implements first-past-the-post voting: equivalent answers
// form groups and the largest group wins. Equal-sized groups, and
// members within the winning group, tie-break by earliest completion.
type Plurality struct {
	equivalent EquivalenceFunc
}

// NewPlurality creates a plurality strategy. A nil equivalence function
// selects DefaultEquivalence.
func NewPlurality(eq EquivalenceFunc) *Plurality {
	if eq == nil {
		eq = DefaultEquivalence
	}
	return &Plurality{equivalent: eq}
}

func (p *Plurality) Name() Scheme { return SchemePlurality }

func (p *Plurality) Select(results []*models.StructuredResult) (*models.StructuredResult, map[string]float64, error) {
	if len(results) == 0 {
		return nil, nil, errors.New("no results to vote on")
	}

	var groups [][]*models.StructuredResult
grouping:
	for _, r := range results {
		for i, group := range groups {
			if p.equivalent(group[0], r) {
				groups[i] = append(group, r)
				continue grouping
			}
		}
		groups = append(groups, []*models.StructuredResult{r})
	}

	winner := groups[0]
	for _, group := range groups[1:] {
		switch {
		case len(group) > len(winner):
			winner = group
		case len(group) == len(winner) && earliest(group).CompletedAt.Before(earliest(winner).CompletedAt):
			winner = group
		}
	}

	scores := make(map[string]float64, len(results))
	for _, group := range groups {
		share := float64(len(group)) / float64(len(results))
		for _, r := range group {
			scores[r.ModelID] = share
		}
	}

	return earliest(winner), scores, nil
}

// ScoreVote rates every answer independently and picks the highest.
// Exact ties, including more-than-two-way ones, break by earliest
// completion.
type ScoreVote struct {
	score ScoreFunc
}

// NewScore creates a score strategy. A nil score function selects
// DefaultScore.
func NewScore(score ScoreFunc) *ScoreVote {
	if score == nil {
		score = DefaultScore
	}
	return &ScoreVote{score: score}
}

func (s *ScoreVote) Name() Scheme { return SchemeScore }

func (s *ScoreVote) Select(results []*models.StructuredResult) (*models.StructuredResult, map[string]float64, error) {
	if len(results) == 0 {
		return nil, nil, errors.New("no results to vote on")
	}

	scores := make(map[string]float64, len(results))
	var winner *models.StructuredResult
	var best float64

	for _, r := range results {
		sc := clamp01(s.score(r))
		scores[r.ModelID] = sc
		switch {
		case winner == nil, sc > best:
			winner, best = r, sc
		case sc == best && r.CompletedAt.Before(winner.CompletedAt):
			winner = r
		}
	}
	return winner, scores, nil
}

// DefaultScore rates every answer equally, so score voting degenerates
// to earliest completion.
func DefaultScore(*models.StructuredResult) float64 { return 1 }

// DefaultEquivalence compares Unicode-normalized, case-folded,
// whitespace-collapsed renderings of the parsed values, so trivially
// different spellings of the same answer land in one group.
func DefaultEquivalence(a, b *models.StructuredResult) bool {
	return canonicalKey(a) == canonicalKey(b)
}

func canonicalKey(r *models.StructuredResult) string {
	var rendered string
	switch v := r.Parsed.(type) {
	case string:
		rendered = v
	default:
		// encoding/json sorts map keys, which makes the rendering
		// deterministic across equivalent parses.
		data, err := json.Marshal(r.Parsed)
		if err != nil {
			rendered = r.RawText
		} else {
			rendered = string(data)
		}
	}
	return normalizeText(rendered)
}

func normalizeText(s string) string {
	normalized, _, err := transform.String(norm.NFKC, s)
	if err != nil {
		normalized = s
	}
	folded := cases.Fold().String(normalized)
	return strings.Join(strings.Fields(folded), " ")
}

func earliest(group []*models.StructuredResult) *models.StructuredResult {
	best := group[0]
	for _, r := range group[1:] {
		if r.CompletedAt.Before(best.CompletedAt) {
			best = r
		}
	}
	return best
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
