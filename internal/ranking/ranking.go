package ranking

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"actionqueue/internal/domain"
)

const (
	V1Basic  = "v1_basic"
	V2Hybrid = "v2_hybrid"
	V3ML     = "v3_ml"
)

// History supplies realized outcomes to the history-aware versions.
type History interface {
	ProducerStats(ctx context.Context, producer, kind string) (domain.ProducerStats, error)
}

// Scorer computes a score for one action. Implementations must be pure for a
// fixed action and history snapshot.
type Scorer interface {
	Version() string
	UsesHistory() bool
	Score(ctx context.Context, a domain.Action, h History) (domain.RankingResult, error)
}

var easeWeights = map[domain.Ease]float64{
	domain.EaseSimple: 1.0,
	domain.EaseMedium: 0.6,
	domain.EaseHard:   0.3,
}

var riskPenalties = map[domain.RiskTier]float64{
	domain.RiskNone:   0,
	domain.RiskPerf:   1,
	domain.RiskSafety: 3,
	domain.RiskPolicy: 5,
}

func EaseWeight(e domain.Ease) float64 { return easeWeights[e] }

func RiskPenalty(r domain.RiskTier) float64 { return riskPenalties[r] }

// FreshnessBonus maps a producer's freshness label to a bonus. Labels are
// matched case-insensitively by whole token, so "Real-time (webhook)" counts
// and "unfresh" or "not real-time" do not.
func FreshnessBonus(label string) float64 {
	tokens := strings.FieldsFunc(strings.ToLower(label), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	bonus := 0.0
	for i, tok := range tokens {
		var b float64
		switch tok {
		case "real-time", "realtime", "fresh":
			b = 10
		case "24h":
			b = 8
		case "48-72h":
			b = 5
		default:
			continue
		}
		if i > 0 && negations[tokens[i-1]] {
			continue
		}
		bonus = max(bonus, b)
	}
	return bonus
}

var negations = map[string]bool{"not": true, "no": true, "non": true}

// expected is the history-free value of acting: delta x confidence x ease.
func expected(a domain.Action) float64 {
	return a.ExpectedImpact.Delta * a.Confidence * EaseWeight(a.Ease)
}

func baseFactors(a domain.Action) map[string]float64 {
	return map[string]float64{
		"delta":           a.ExpectedImpact.Delta,
		"confidence":      a.Confidence,
		"ease_weight":     EaseWeight(a.Ease),
		"expected":        expected(a),
		"freshness_bonus": FreshnessBonus(a.FreshnessLabel),
		"risk_penalty":    RiskPenalty(a.RiskTier),
	}
}

func result(a domain.Action, version string, score float64, factors map[string]float64) domain.RankingResult {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = 0
	}
	return domain.RankingResult{ActionID: a.ID, Score: score, Version: version, Factors: factors}
}

type basic struct{}

func (basic) Version() string   { return V1Basic }
func (basic) UsesHistory() bool { return false }

func (basic) Score(_ context.Context, a domain.Action, _ History) (domain.RankingResult, error) {
	f := baseFactors(a)
	return result(a, V1Basic, f["expected"]+f["freshness_bonus"]-f["risk_penalty"], f), nil
}

type hybrid struct{}

func (hybrid) Version() string   { return V2Hybrid }
func (hybrid) UsesHistory() bool { return true }

func (hybrid) Score(ctx context.Context, a domain.Action, h History) (domain.RankingResult, error) {
	f := baseFactors(a)
	blended := f["expected"]
	if h != nil {
		st, err := h.ProducerStats(ctx, a.Producer, a.Kind)
		if err != nil {
			return domain.RankingResult{}, fmt.Errorf("load stats for %s/%s: %w", a.Producer, a.Kind, err)
		}
		f["outcomes_28d"] = float64(st.Outcomes28d)
		if st.Outcomes28d > 0 {
			f["realized_roi_28d"] = st.ROI28d
			blended = 0.7*f["expected"] + 0.3*st.ROI28d
		}
	}
	f["blended"] = blended
	return result(a, V2Hybrid, blended+f["freshness_bonus"]-f["risk_penalty"], f), nil
}

type learned struct{}

func (learned) Version() string   { return V3ML }
func (learned) UsesHistory() bool { return true }

func (learned) Score(ctx context.Context, a domain.Action, h History) (domain.RankingResult, error) {
	f := baseFactors(a)
	var st domain.ProducerStats
	if h != nil {
		var err error
		if st, err = h.ProducerStats(ctx, a.Producer, a.Kind); err != nil {
			return domain.RankingResult{}, fmt.Errorf("load stats for %s/%s: %w", a.Producer, a.Kind, err)
		}
	}
	successRate := 0.5
	if st.ExecutionCount > 0 {
		successRate = float64(st.SuccessCount) / float64(st.ExecutionCount)
	}
	weight := math.Min(float64(st.ExecutionCount), 10) / 10
	f["success_rate"] = successRate
	f["history_weight"] = weight
	f["avg_roi"] = st.AvgROI()
	score := f["expected"]*successRate + weight*st.AvgROI() + f["freshness_bonus"] - f["risk_penalty"]
	return result(a, V3ML, score, f), nil
}

// Registry resolves version names and aliases to scorers.
type Registry struct {
	scorers map[string]Scorer
	aliases map[string]string
}

func NewRegistry() *Registry {
	r := &Registry{scorers: map[string]Scorer{}, aliases: map[string]string{}}
	r.Register(basic{}, "v1")
	r.Register(hybrid{}, "v2")
	r.Register(learned{}, "v3")
	return r
}

func (r *Registry) Register(s Scorer, aliases ...string) {
	r.scorers[s.Version()] = s
	for _, a := range aliases {
		r.aliases[a] = s.Version()
	}
}

// Resolve returns the canonical version name for name or an alias.
func (r *Registry) Resolve(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if _, ok := r.scorers[name]; ok {
		return name, true
	}
	v, ok := r.aliases[name]
	return v, ok
}

func (r *Registry) Get(name string) (Scorer, error) {
	v, ok := r.Resolve(name)
	if !ok {
		return nil, &domain.ConfigError{Key: "ranking.version", Reason: fmt.Sprintf("unknown ranking version %q", name)}
	}
	return r.scorers[v], nil
}

func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.scorers))
	for v := range r.scorers {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Sort orders results by score descending, then created_at ascending, then id.
func Sort(actions []domain.Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

// ScoreAll scores actions with s and returns them sorted. Stored scores are
// replaced, never trusted.
func ScoreAll(ctx context.Context, s Scorer, h History, actions []domain.Action) ([]domain.Action, error) {
	out := make([]domain.Action, len(actions))
	for i, a := range actions {
		res, err := s.Score(ctx, a, h)
		if err != nil {
			return nil, err
		}
		a.Score = res.Score
		a.ScoreVersion = res.Version
		r := res
		a.Ranking = &r
		out[i] = a
	}
	Sort(out)
	return out, nil
}
