package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actionqueue/internal/app"
	"actionqueue/internal/config"
	"actionqueue/internal/db"
	"actionqueue/internal/domain"
	"actionqueue/internal/ledger"
	"actionqueue/internal/server"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create actionqueue.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("Initialized %s (database %s)\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func rankCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rank", Short: "Ranking versions, reranks and A/B comparison"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the production version and ranking freshness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.RankingStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set-version <version>",
		Short: "Switch the production ranking version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.SetRankingVersion(ctx, actorAs(domain.RoleOperator), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rerank",
		Short: "Rescore every pending action now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, ran, err := a.Scheduler().Tick(ctx)
				if err != nil {
					return err
				}
				if !ran {
					return errors.New("another rerank holds the lock")
				}
				return printJSONOrTable(res)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "compare",
		Short: "Compare v1, v2 and v3 on the pending queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cmp, err := a.Engine.Compare(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmp)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Top action", "Mean score"})
				for _, v := range a.Engine.Ranking.Versions() {
					tw.AppendRow(table.Row{v, cmp.Top[v], strconv.FormatFloat(cmp.MeanScore[v], 'f', 2, 64)})
				}
				tw.Render()
				fmt.Printf("Recommendation: %s (%s)\n", cmp.Recommendation, cmp.RecommendationNotes)
				return nil
			})
		},
	})
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Audit ledger verification, queries and export"}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain and replay every action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.Store.Verify(ctx)
				if err != nil {
					_ = printJSONOrTable(rep)
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Rebuild action states from the ledger alone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				proj, problems, err := a.Engine.Store.Replay(ctx)
				if err != nil {
					return err
				}
				states := map[string]domain.State{}
				for _, id := range proj.IDs() {
					states[id], _ = proj.State(id)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"states": states, "problems": problems})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action", "State"})
				for _, id := range proj.IDs() {
					tw.AppendRow(table.Row{id, states[id]})
				}
				tw.Render()
				for _, p := range problems {
					fmt.Printf("problem at seq %d: %s\n", p.Seq, p.Problem)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Compliance summary of the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Engine.Store.Summary(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	})
	cmd.AddCommand(ledgerEventsCmd())
	cmd.AddCommand(ledgerExportCmd())
	return cmd
}

func ledgerEventsCmd() *cobra.Command {
	var opts ledger.ListOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List ledger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Events(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				renderEvents(events)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ActionID, "action", "", "action id filter")
	cmd.Flags().StringVar(&opts.Type, "type", "", "event type filter")
	cmd.Flags().Int64Var(&opts.AfterSeq, "after", 0, "only events after this sequence number")
	cmd.Flags().IntVarP(&opts.Limit, "n", "n", 50, "number of events")
	cmd.Flags().BoolVar(&opts.Desc, "desc", false, "newest first")
	return cmd
}

func ledgerExportCmd() *cobra.Command {
	var (
		out  string
		toS3 bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the ledger as JSONL to a file, stdout or S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if toS3 {
					x, err := a.Exporter(ctx)
					if err != nil {
						return err
					}
					res, err := x.Export(ctx, a.Engine.Store)
					if err != nil {
						return err
					}
					return printJSONOrTable(res)
				}
				var w io.Writer = os.Stdout
				if out != "" && out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				n, err := a.Engine.Store.ExportJSONL(ctx, w)
				if err != nil {
					return err
				}
				if w != os.Stdout {
					fmt.Fprintf(os.Stderr, "exported %d events to %s\n", n, out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file")
	cmd.Flags().BoolVar(&toS3, "s3", false, "upload to the configured export bucket")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Queue, producer and ranking statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Actions: %d, pending review: %d\n", st.Queue.Total, st.Pending)
				fmt.Printf("Ranking: %s (stale: %t)\n", st.Ranking.ProductionVersion, st.Ranking.Stale)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Producer", "Kind", "Executions", "Successes", "Outcomes", "Avg ROI", "ROI 28d"})
				for _, p := range st.Producers {
					tw.AppendRow(table.Row{p.Producer, p.Kind, p.ExecutionCount, p.SuccessCount, p.OutcomeCount,
						strconv.FormatFloat(p.AvgROI(), 'f', 2, 64), strconv.FormatFloat(p.ROI28d, 'f', 2, 64)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		background     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  "Serve exposes the queue over HTTP. With --background it also runs the dispatcher loop, the rerank scheduler and stream intake.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("AQ_JWT_SECRET is required for bearer auth")
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(cmd.Context()))
			if !cmd.Flags().Changed("addr") {
				addr = a.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = a.Config.Server.BasePath
			}
			fmt.Printf("Serving action queue API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return a.Serve(cmd.Context(), app.ServeOptions{
				Addr:     addr,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: a.Config.Server.AllowLegacyActorHeader,
					AllowDevLogin:          a.Config.Server.DevLogin,
				},
				Background: background,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&background, "background", true, "run dispatcher, rerank scheduler and intake")
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	var actorID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				k, err := a.Engine.CreateAPIKey(ctx, actorID, domain.Role(role), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(k)
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id")
	create.Flags().StringVar(&role, "role", "", "role the key acts under")
	create.Flags().StringVar(&name, "name", "", "key label")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, del)
	return cmd
}

func grantCmd() *cobra.Command {
	var target, role string
	var list bool
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor, or list grants with --list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if list {
					grants, err := a.Engine.Repo.ListRoleGrants(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(grants)
				}
				return a.Engine.GrantRole(ctx, actorAs(domain.RoleOperator), target, domain.Role(role))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role: operator, system or producer")
	cmd.Flags().BoolVar(&list, "list", false, "list existing grants")
	return cmd
}
