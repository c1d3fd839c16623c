package ranking

import (
	"context"

	"actionqueue/internal/domain"
)

// Comparison is the A/B report across the three built-in versions.
type Comparison struct {
	Actions             int                 `json:"actions"`
	Top                 map[string]string   `json:"top"`
	MeanScore           map[string]float64  `json:"mean_score"`
	Rankings            map[string][]string `json:"rankings"`
	TopActionDiffers    bool                `json:"top_action_differs"`
	AvgScoreDelta       float64             `json:"avg_score_delta"`
	Recommendation      string              `json:"recommendation"`
	RecommendationNotes string              `json:"recommendation_notes"`
}

// Compare scores the same action set under v1, v2 and v3. The top action is
// compared between v1 and v3 and the recommendation follows the mean score
// lift of v3 over v1.
func Compare(ctx context.Context, reg *Registry, h History, actions []domain.Action) (Comparison, error) {
	c := Comparison{
		Actions:   len(actions),
		Top:       map[string]string{},
		MeanScore: map[string]float64{},
		Rankings:  map[string][]string{},
	}
	for _, v := range []string{V1Basic, V2Hybrid, V3ML} {
		s, err := reg.Get(v)
		if err != nil {
			return c, err
		}
		ranked, err := ScoreAll(ctx, s, h, actions)
		if err != nil {
			return c, err
		}
		ids := make([]string, len(ranked))
		total := 0.0
		for i, a := range ranked {
			ids[i] = a.ID
			total += a.Score
		}
		c.Rankings[v] = ids
		if len(ranked) > 0 {
			c.Top[v] = ranked[0].ID
			c.MeanScore[v] = total / float64(len(ranked))
		}
	}
	c.TopActionDiffers = c.Top[V1Basic] != c.Top[V3ML]
	c.AvgScoreDelta = c.MeanScore[V3ML] - c.MeanScore[V1Basic]
	c.Recommendation, c.RecommendationNotes = Recommend(c.AvgScoreDelta)
	return c, nil
}

// Recommend maps the v3-over-v1 mean score delta to a version.
func Recommend(delta float64) (string, string) {
	switch {
	case delta > 10:
		return V3ML, "history-weighted scoring lifts mean score by more than 10"
	case delta > 5:
		return V2Hybrid, "moderate lift from history; blend realized ROI"
	}
	return V1Basic, "no material lift from history"
}
