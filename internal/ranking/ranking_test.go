package ranking_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionqueue/internal/domain"
	"actionqueue/internal/ranking"
)

type fixedHistory map[string]domain.ProducerStats

func (h fixedHistory) ProducerStats(_ context.Context, producer, kind string) (domain.ProducerStats, error) {
	st := h[producer+"/"+kind]
	st.Producer, st.Kind = producer, kind
	return st, nil
}

func action(id string, delta, conf float64, ease domain.Ease, risk domain.RiskTier, fresh string) domain.Action {
	return domain.Action{ID: id, Producer: "seo", Kind: "seo_fix", ExpectedImpact: domain.ExpectedImpact{Delta: delta},
		Confidence: conf, Ease: ease, RiskTier: risk, FreshnessLabel: fresh, CreatedAt: "2024-01-01T00:00:00.000000000Z"}
}

func score(t *testing.T, version string, a domain.Action, h ranking.History) domain.RankingResult {
	t.Helper()
	s, err := ranking.NewRegistry().Get(version)
	require.NoError(t, err)
	res, err := s.Score(context.Background(), a, h)
	require.NoError(t, err)
	return res
}

func TestV1Formula(t *testing.T) {
	cases := []struct {
		name string
		a    domain.Action
		want float64
	}{
		{"simple no risk", action("a", 100, 0.9, domain.EaseSimple, domain.RiskNone, ""), 90},
		{"medium perf 24h", action("b", 50, 0.5, domain.EaseMedium, domain.RiskPerf, "24h"), 15 + 8 - 1},
		{"hard policy real-time", action("c", 10, 1, domain.EaseHard, domain.RiskPolicy, "Real-time"), 3 + 10 - 5},
		{"safety stale", action("d", 20, 0.5, domain.EaseSimple, domain.RiskSafety, "48-72h"), 10 + 5 - 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := score(t, ranking.V1Basic, tc.a, nil)
			assert.InDelta(t, tc.want, res.Score, 1e-9)
			assert.Equal(t, ranking.V1Basic, res.Version)
		})
	}
}

func TestFreshnessBonusMatchesWholeTokens(t *testing.T) {
	cases := map[string]float64{
		"":                    0,
		"fresh":               10,
		"Real-time (webhook)": 10,
		"realtime":            10,
		"refreshed daily":     0,
		"unfresh":             0,
		"not fresh":           0,
		"not real-time, 24h":  8,
		"within 24h":          8,
		"48-72h":              5,
		"124h":                0,
	}
	for label, want := range cases {
		assert.Equal(t, want, ranking.FreshnessBonus(label), "label %q", label)
	}
}

func TestRiskPenaltyOrdersOtherwiseEqualActions(t *testing.T) {
	safe := action("safe", 100, 0.9, domain.EaseSimple, domain.RiskNone, "")
	risky := action("risky", 100, 0.9, domain.EaseSimple, domain.RiskPolicy, "")
	ranked, err := ranking.ScoreAll(context.Background(), mustGet(t, ranking.V1Basic), nil, []domain.Action{risky, safe})
	require.NoError(t, err)
	assert.Equal(t, "safe", ranked[0].ID)
	assert.InDelta(t, 90, ranked[0].Score, 1e-9)
	assert.InDelta(t, 85, ranked[1].Score, 1e-9)
}

func mustGet(t *testing.T, v string) ranking.Scorer {
	t.Helper()
	s, err := ranking.NewRegistry().Get(v)
	require.NoError(t, err)
	return s
}

func TestV2FallsBackToV1WithoutRecentOutcomes(t *testing.T) {
	a := action("a", 40, 0.5, domain.EaseSimple, domain.RiskPerf, "fresh")
	v1 := score(t, ranking.V1Basic, a, nil)
	v2 := score(t, ranking.V2Hybrid, a, fixedHistory{})
	assert.InDelta(t, v1.Score, v2.Score, 1e-9)

	withROI := fixedHistory{"seo/seo_fix": {ROI28d: 100, Outcomes28d: 3}}
	blended := score(t, ranking.V2Hybrid, a, withROI)
	assert.InDelta(t, 0.7*20+0.3*100+10-1, blended.Score, 1e-9)
	assert.Equal(t, 100.0, blended.Factors["realized_roi_28d"])
}

func TestV3DefaultsSuccessRateWithoutHistory(t *testing.T) {
	a := action("a", 40, 0.5, domain.EaseSimple, domain.RiskNone, "")
	res := score(t, ranking.V3ML, a, fixedHistory{})
	assert.InDelta(t, 10, res.Score, 1e-9)
	assert.Equal(t, 0.5, res.Factors["success_rate"])

	h := fixedHistory{"seo/seo_fix": {ExecutionCount: 20, SuccessCount: 15, OutcomeCount: 4, TotalROI: 80}}
	res = score(t, ranking.V3ML, a, h)
	assert.InDelta(t, 20*0.75+1.0*20, res.Score, 1e-9)
}

func TestTiesBreakByCreatedAtThenID(t *testing.T) {
	a := action("b", 10, 1, domain.EaseSimple, domain.RiskNone, "")
	b := action("a", 10, 1, domain.EaseSimple, domain.RiskNone, "")
	c := action("c", 10, 1, domain.EaseSimple, domain.RiskNone, "")
	c.CreatedAt = "2023-12-31T00:00:00.000000000Z"
	ranked, err := ranking.ScoreAll(context.Background(), mustGet(t, ranking.V1Basic), nil, []domain.Action{a, b, c})
	require.NoError(t, err)
	ids := []string{ranked[0].ID, ranked[1].ID, ranked[2].ID}
	if diff := cmp.Diff([]string{"c", "a", "b"}, ids); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryAliasesAndUnknownVersion(t *testing.T) {
	reg := ranking.NewRegistry()
	for alias, want := range map[string]string{"v1": ranking.V1Basic, "v2": ranking.V2Hybrid, "v3": ranking.V3ML, "v3_ml": ranking.V3ML} {
		got, ok := reg.Resolve(alias)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, err := reg.Get("v9")
	require.ErrorIs(t, err, domain.ErrConfig)
	assert.Equal(t, []string{ranking.V1Basic, ranking.V2Hybrid, ranking.V3ML}, reg.Versions())
}

func TestCompareRecommendation(t *testing.T) {
	actions := []domain.Action{
		action("a", 100, 0.9, domain.EaseSimple, domain.RiskNone, ""),
		action("b", 10, 0.9, domain.EaseHard, domain.RiskNone, "fresh"),
	}
	actions[1].Producer = "ads"
	h := fixedHistory{"ads/seo_fix": {ExecutionCount: 10, SuccessCount: 10, OutcomeCount: 1, TotalROI: 500}}
	c, err := ranking.Compare(context.Background(), ranking.NewRegistry(), h, actions)
	require.NoError(t, err)
	assert.Equal(t, "a", c.Top[ranking.V1Basic])
	assert.Equal(t, "b", c.Top[ranking.V3ML])
	assert.True(t, c.TopActionDiffers)
	assert.Greater(t, c.AvgScoreDelta, 10.0)
	assert.Equal(t, ranking.V3ML, c.Recommendation)

	for delta, want := range map[float64]string{11: ranking.V3ML, 10: ranking.V2Hybrid, 6: ranking.V2Hybrid, 5: ranking.V1Basic, -3: ranking.V1Basic} {
		got, _ := ranking.Recommend(delta)
		assert.Equal(t, want, got, "delta %v", delta)
	}
}

func TestScoringIsDeterministic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)
	eases := []domain.Ease{domain.EaseSimple, domain.EaseMedium, domain.EaseHard}
	risks := []domain.RiskTier{domain.RiskNone, domain.RiskPerf, domain.RiskSafety, domain.RiskPolicy}
	h := fixedHistory{"seo/seo_fix": {ExecutionCount: 4, SuccessCount: 3, OutcomeCount: 2, TotalROI: 30, ROI28d: 12, Outcomes28d: 1}}
	reg := ranking.NewRegistry()

	properties.Property("same input and history give the same score", prop.ForAll(
		func(delta, conf float64, e, r int) bool {
			a := action("x", delta, conf, eases[e], risks[r], "24h")
			for _, v := range reg.Versions() {
				s, _ := reg.Get(v)
				first, err1 := s.Score(context.Background(), a, h)
				second, err2 := s.Score(context.Background(), a, h)
				if err1 != nil || err2 != nil || first.Score != second.Score {
					return false
				}
			}
			return true
		},
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 2),
		gen.IntRange(0, 3),
	))

	properties.Property("a higher risk tier never scores higher under v1", prop.ForAll(
		func(delta, conf float64, lo, hi int) bool {
			if lo > hi {
				lo, hi = hi, lo
			}
			low := score(t, ranking.V1Basic, action("l", delta, conf, domain.EaseSimple, risks[lo], ""), nil)
			high := score(t, ranking.V1Basic, action("h", delta, conf, domain.EaseSimple, risks[hi], ""), nil)
			return high.Score <= low.Score
		},
		gen.Float64Range(0, 1000),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 3),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
