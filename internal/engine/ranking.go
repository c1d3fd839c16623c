package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"actionqueue/internal/db"
	"actionqueue/internal/domain"
	"actionqueue/internal/engine/auth"
	"actionqueue/internal/ledger"
	"actionqueue/internal/ranking"
	"actionqueue/internal/repo"
)

// ProductionVersion returns the ranking version in effect: the audited
// setting if one was made, otherwise the configured default.
func (e Engine) ProductionVersion(ctx context.Context, q db.Querier) (string, error) {
	s, err := e.Repo.GetSetting(ctx, q, repo.SettingRankingVersion)
	if err == nil {
		return s.Value, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	return e.Config.Ranking.ProductionVersion, nil
}

type RankingStatus struct {
	ProductionVersion   string   `json:"production_version"`
	UpdatedAt           string   `json:"updated_at,omitempty"`
	UpdatedBy           string   `json:"updated_by,omitempty"`
	Versions            []string `json:"versions"`
	LastRerankAt        string   `json:"last_rerank_at,omitempty"`
	AgeSeconds          float64  `json:"age_seconds"`
	MaxStalenessSeconds float64  `json:"max_staleness_seconds"`
	Stale               bool     `json:"stale"`
}

func (e Engine) RankingStatus(ctx context.Context) (RankingStatus, error) {
	st := RankingStatus{
		Versions:            e.Ranking.Versions(),
		MaxStalenessSeconds: e.Config.Ranking.MaxStaleness.Seconds(),
	}
	s, err := e.Repo.GetSetting(ctx, nil, repo.SettingRankingVersion)
	switch {
	case err == nil:
		st.ProductionVersion, st.UpdatedAt, st.UpdatedBy = s.Value, s.UpdatedAt, s.UpdatedBy
	case errors.Is(err, repo.ErrNotFound):
		st.ProductionVersion = e.Config.Ranking.ProductionVersion
	default:
		return st, err
	}
	age, ok, err := e.staleness(ctx)
	if err != nil {
		return st, err
	}
	if ok {
		last, _ := e.Repo.GetSetting(ctx, nil, repo.SettingLastRerank)
		st.LastRerankAt = last.Value
		st.AgeSeconds = age.Seconds()
	}
	st.Stale = !ok || age > e.Config.Ranking.MaxStaleness
	return st, nil
}

func (e Engine) staleness(ctx context.Context) (time.Duration, bool, error) {
	last, err := e.Repo.GetSetting(ctx, nil, repo.SettingLastRerank)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	t, err := domain.ParseTime(last.Value)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", repo.SettingLastRerank, err)
	}
	return e.now().Sub(t), true, nil
}

// Staleness reports the age of the last successful rerank for gauges.
func (e Engine) Staleness(ctx context.Context) (time.Duration, bool) {
	age, ok, err := e.staleness(ctx)
	if err != nil {
		e.logger().WarnContext(ctx, "read rerank staleness", "error", err)
		return 0, false
	}
	return age, ok
}

// SetRankingVersion switches the production ranking version. The change is
// recorded as a config event; background jobs never call it.
func (e Engine) SetRankingVersion(ctx context.Context, actor domain.Actor, version string) (RankingStatus, error) {
	if err := auth.Check(auth.OpRankingVersion, actor); err != nil {
		return RankingStatus{}, err
	}
	canonical, ok := e.Ranking.Resolve(version)
	if !ok {
		return RankingStatus{}, domain.Invalid("version", fmt.Sprintf("unknown ranking version %q; known: %v", version, e.Ranking.Versions()))
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RankingStatus{}, err
	}
	defer tx.Rollback()
	current, err := e.ProductionVersion(ctx, tx)
	if err != nil {
		return RankingStatus{}, err
	}
	if current == canonical {
		tx.Rollback()
		return e.RankingStatus(ctx)
	}
	now := domain.FormatTime(e.now())
	if err := e.Repo.PutSetting(ctx, tx, repo.Setting{Key: repo.SettingRankingVersion, Value: canonical, UpdatedAt: now, UpdatedBy: actor.ID}); err != nil {
		return RankingStatus{}, err
	}
	if _, err := e.writer().Append(ctx, tx, ledger.Entry{
		Type:       "config.ranking_version",
		EntityKind: "config",
		Actor:      actor,
		Payload:    ledger.Payload{"key": repo.SettingRankingVersion, "from": current, "to": canonical},
	}); err != nil {
		return RankingStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return RankingStatus{}, err
	}
	e.logger().InfoContext(ctx, "ranking version changed", "from", current, "to", canonical, "actor", actor.ID)
	return e.RankingStatus(ctx)
}

type RerankResult struct {
	Version   string `json:"version"`
	Scored    int    `json:"scored"`
	Updated   int    `json:"updated"`
	Discarded int    `json:"discarded"`
	At        string `json:"at"`
}

const rerankParallelism = 4

// Rerank recomputes scores of every pending action under the production
// version. Each write is conditioned on the revision that was scored, so a
// result for an action edited or decided meanwhile is discarded.
func (e Engine) Rerank(ctx context.Context, actor domain.Actor) (RerankResult, error) {
	if err := auth.Check(auth.OpRerank, actor); err != nil {
		return RerankResult{}, err
	}
	version, err := e.ProductionVersion(ctx, nil)
	if err != nil {
		return RerankResult{}, err
	}
	s, err := e.Ranking.Get(version)
	if err != nil {
		return RerankResult{}, err
	}
	pending, err := e.Repo.ListActions(ctx, repo.ActionFilter{State: domain.StatePendingReview})
	if err != nil {
		return RerankResult{}, err
	}
	results := make([]domain.RankingResult, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rerankParallelism)
	for i, a := range pending {
		g.Go(func() error {
			res, err := s.Score(gctx, a, e.History())
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return RerankResult{}, err
	}
	now := domain.FormatTime(e.now())
	out := RerankResult{Version: version, Scored: len(pending), At: now}
	for i, a := range pending {
		ok, err := e.Repo.UpdateScore(ctx, nil, a.ID, results[i].Score, results[i].Version, now, a.Revision)
		if err != nil {
			return out, fmt.Errorf("write score for %s: %w", a.ID, err)
		}
		if ok {
			out.Updated++
		} else {
			out.Discarded++
		}
	}
	if err := e.Repo.PutSetting(ctx, nil, repo.Setting{Key: repo.SettingLastRerank, Value: now, UpdatedAt: now, UpdatedBy: actor.ID}); err != nil {
		return out, err
	}
	e.Metrics.Rerank(ctx, version, out.Updated, out.Discarded)
	e.logger().DebugContext(ctx, "rerank complete", "version", version, "updated", out.Updated, "discarded", out.Discarded)
	return out, nil
}

// Compare runs every built-in version over the pending set.
func (e Engine) Compare(ctx context.Context) (ranking.Comparison, error) {
	pending, err := e.Repo.ListActions(ctx, repo.ActionFilter{State: domain.StatePendingReview})
	if err != nil {
		return ranking.Comparison{}, err
	}
	return ranking.Compare(ctx, e.Ranking, e.History(), pending)
}
