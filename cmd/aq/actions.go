package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actionqueue/internal/app"
	"actionqueue/internal/domain"
	"actionqueue/internal/engine"
	"actionqueue/internal/ledger"
)

func submitCmd() *cobra.Command {
	var (
		p          engine.Proposal
		payload    string
		ease, risk string
		requestKey string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposal for review",
		Long:  "Submit stores a producer's proposal as pending_review with its initial score. The acting role defaults to producer and the producer defaults to --actor-id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := parseJSONObject("draft_payload", payload)
			if err != nil {
				return err
			}
			actor := actorAs(domain.RoleProducer)
			p.DraftPayload = draft
			p.Ease = domain.Ease(ease)
			p.RiskTier = domain.RiskTier(risk)
			if p.Producer == "" {
				p.Producer = actor.ID
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := a.Engine.Submit(ctx, engine.SubmitOptions{Proposal: p, Actor: actor, RequestKey: requestKey})
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().StringVar(&p.Producer, "producer", "", "producer id (defaults to --actor-id)")
	cmd.Flags().StringVar(&p.Kind, "kind", "", "action kind")
	cmd.Flags().StringVar(&p.Target, "target", "", "target entity")
	cmd.Flags().StringVar(&payload, "payload", "", "draft payload as JSON or @file")
	cmd.Flags().StringArrayVar(&p.Evidence, "evidence", nil, "evidence reference (repeatable)")
	cmd.Flags().StringVar(&p.ExpectedImpact.Metric, "metric", "", "expected impact metric")
	cmd.Flags().Float64Var(&p.ExpectedImpact.Delta, "delta", 0, "expected impact delta")
	cmd.Flags().StringVar(&p.ExpectedImpact.Unit, "unit", "", "expected impact unit")
	cmd.Flags().Float64Var(&p.Confidence, "confidence", 0, "confidence in [0,1]")
	cmd.Flags().StringVar(&ease, "ease", "medium", "ease: simple, medium or hard")
	cmd.Flags().StringVar(&risk, "risk", "none", "risk tier: none, perf, safety or policy")
	cmd.Flags().StringVar(&p.FreshnessLabel, "freshness", "", "freshness label")
	cmd.Flags().BoolVar(&p.CanExecute, "can-execute", false, "action has a registered executor")
	cmd.Flags().StringVar(&p.RollbackPlan, "rollback-plan", "", "rollback plan for executable actions")
	cmd.Flags().StringVar(&requestKey, "request-key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		f                      engine.ListOptions
		state, risk, dispatchS string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.State = domain.State(state)
			f.RiskTier = domain.RiskTier(risk)
			if dispatchS != "" {
				f.Dispatch = []domain.DispatchStatus{domain.DispatchStatus(dispatchS)}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderActions(items, false)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Producer, "producer", "", "producer filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&risk, "risk", "", "risk tier filter")
	cmd.Flags().StringVar(&dispatchS, "dispatch-status", "", "dispatch status filter")
	cmd.Flags().StringVar(&f.Sort, "sort", "score", "sort by score or created_at")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "results to skip")
	return cmd
}

func topCmd() *cobra.Command {
	var opts engine.TopOptions
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Show the highest ranked pending actions",
		Long:  "Top scores pending actions with the production ranking version, or --version for a read-only preview.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Top(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderActions(items, true)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&opts.N, "n", "n", 10, "number of actions")
	cmd.Flags().StringVar(&opts.Producer, "producer", "", "producer filter")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&opts.Version, "version", "", "ranking version to preview")
	return cmd
}

func renderActions(items []domain.Action, ranked bool) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	header := table.Row{"ID", "Kind", "Target", "Producer", "State", "Dispatch", "Score", "Version"}
	if ranked {
		header = append(table.Row{"#"}, header...)
	}
	tw.AppendHeader(header)
	for i, a := range items {
		row := table.Row{a.ID, a.Kind, a.Target, a.Producer, a.State, a.DispatchStatus, strconv.FormatFloat(a.Score, 'f', 2, 64), a.ScoreVersion}
		if ranked {
			row = append(table.Row{i + 1}, row...)
		}
		tw.AppendRow(row)
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d actions", len(items))})
	tw.Render()
}

func showCmd() *cobra.Command {
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := a.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !withEvents {
					return printJSONOrTable(act)
				}
				events, err := a.Engine.Events(ctx, ledger.ListOptions{ActionID: act.ID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"action": act, "events": events})
				}
				if err := printJSONOrTable(act); err != nil {
					return err
				}
				renderEvents(events)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the action's ledger events")
	return cmd
}

func renderEvents(events []domain.AuditEvent) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Seq", "TS", "Type", "Action", "Actor", "From", "To"})
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.Seq, ev.TS, ev.Type, ev.ActionID, ev.ActorID + "/" + string(ev.ActorRole), ev.FromState, ev.ToState})
	}
	tw.Render()
}

func approveCmd() *cobra.Command {
	var note, requestKey string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := a.Engine.Approve(ctx, engine.TransitionOptions{ID: args[0], Actor: actorAs(domain.RoleOperator), Note: note, RequestKey: requestKey})
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "review note")
	cmd.Flags().StringVar(&requestKey, "request-key", "", "idempotency key")
	return cmd
}

func rejectCmd() *cobra.Command {
	var reason, requestKey string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := a.Engine.Reject(ctx, engine.RejectOptions{ID: args[0], Actor: actorAs(domain.RoleOperator), Reason: reason, RequestKey: requestKey})
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	cmd.Flags().StringVar(&requestKey, "request-key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func editCmd() *cobra.Command {
	var (
		payload, rollbackPlan, metric, unit, requestKey string
		evidence                                        []string
		confidence, delta                               float64
	)
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a pending action and re-score it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.Patch
			draft, err := parseJSONObject("draft_payload", payload)
			if err != nil {
				return err
			}
			patch.DraftPayload = draft
			flags := cmd.Flags()
			if flags.Changed("evidence") {
				patch.Evidence = &evidence
			}
			if flags.Changed("confidence") {
				patch.Confidence = &confidence
			}
			if flags.Changed("rollback-plan") {
				patch.RollbackPlan = &rollbackPlan
			}
			if flags.Changed("metric") || flags.Changed("delta") || flags.Changed("unit") {
				patch.ExpectedImpact = &domain.ExpectedImpact{Metric: metric, Delta: delta, Unit: unit}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := a.Engine.Edit(ctx, engine.EditOptions{ID: args[0], Actor: actorAs(domain.RoleOperator), Patch: patch, RequestKey: requestKey})
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "replacement draft payload as JSON or @file")
	cmd.Flags().StringArrayVar(&evidence, "evidence", nil, "replacement evidence (repeatable)")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence in [0,1]")
	cmd.Flags().StringVar(&metric, "metric", "", "expected impact metric")
	cmd.Flags().Float64Var(&delta, "delta", 0, "expected impact delta")
	cmd.Flags().StringVar(&unit, "unit", "", "expected impact unit")
	cmd.Flags().StringVar(&rollbackPlan, "rollback-plan", "", "rollback plan")
	cmd.Flags().StringVar(&requestKey, "request-key", "", "idempotency key")
	return cmd
}

func dispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch <id>",
		Short: "Execute an approved action through its registered executor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := a.Dispatcher.Dispatch(ctx, args[0], actorAs(domain.RoleOperator))
				if err != nil {
					if act.ID != "" {
						_ = printJSONOrTable(act)
					}
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	return cmd
}

func retryCmd() *cobra.Command {
	var note, requestKey string
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-arm a cleanly failed dispatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := a.Engine.RetryDispatch(ctx, engine.TransitionOptions{ID: args[0], Actor: actorAs(domain.RoleOperator), Note: note, RequestKey: requestKey})
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "operator note")
	cmd.Flags().StringVar(&requestKey, "request-key", "", "idempotency key")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var (
		succeeded, failed bool
		result, note      string
		requestKey        string
	)
	cmd := &cobra.Command{
		Use:   "reconcile [id]",
		Short: "Flag stale dispatch claims, or resolve one with --succeeded/--failed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					rep, err := a.Dispatcher.Reconcile(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(rep)
				})
			}
			if succeeded == failed {
				return domain.Invalid("outcome", "exactly one of --succeeded or --failed is required")
			}
			res, err := parseJSONObject("result", result)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := a.Engine.ResolveReconciliation(ctx, engine.ReconcileOptions{
					ID:         args[0],
					Actor:      actorAs(domain.RoleOperator),
					Succeeded:  succeeded,
					Result:     res,
					Note:       note,
					RequestKey: requestKey,
				}, domain.SystemActor("reconciler"))
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().BoolVar(&succeeded, "succeeded", false, "the external effect happened")
	cmd.Flags().BoolVar(&failed, "failed", false, "the external effect did not happen")
	cmd.Flags().StringVar(&result, "result", "", "observed execution result as JSON")
	cmd.Flags().StringVar(&note, "note", "", "operator note")
	cmd.Flags().StringVar(&requestKey, "request-key", "", "idempotency key")
	return cmd
}

func outcomeCmd() *cobra.Command {
	var opts engine.OutcomeOptions
	cmd := &cobra.Command{
		Use:   "outcome <id>",
		Short: "Record the realized outcome of an audited action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.Actor = actorAs(domain.RoleSystem)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := a.Engine.RecordOutcome(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Success, "success", false, "the action achieved its goal")
	cmd.Flags().Float64Var(&opts.RealizedROI, "roi", 0, "realized ROI")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&opts.RequestKey, "request-key", "", "idempotency key")
	return cmd
}
