package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actionqueue/internal/app"
	"actionqueue/internal/config"
	"actionqueue/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "aq",
	Short: "Action queue CLI",
	Long: `aq reviews, ranks and dispatches proposed business actions.
Core concepts:
- Proposal: a producer's suggested action with evidence, expected impact, confidence, ease and risk tier.
- Review: actions wait in pending_review until an operator approves or rejects them; approval is the only door to execution.
- Ranking: pending actions are scored by the production ranking version (v1_basic, v2_hybrid, v3_ml) and reranked on a schedule.
- Dispatch: approved executable actions are handed to the executor registered for their kind, with retries and rollback.
- Ledger: every change is an immutable, hash-chained event; 'aq ledger verify' replays it.
- Workspace: the .actionqueue directory holding the SQLite database, next to actionqueue.yml.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("AQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/actionqueue.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier recorded in the ledger")
	rootCmd.PersistentFlags().String("role", "", "role to act under (operator, system, producer)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(topCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(editCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(outcomeCmd())
	rootCmd.AddCommand(rankCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(grantCmd())
}

// loadConfig reads the workspace config. AQ_STORAGE_DRIVER and
// AQ_STORAGE_DSN override the storage section.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("storage-driver"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := viper.GetString("storage-dsn"); v != "" {
		cfg.Storage.DSN = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, &domain.ConfigError{Key: "config", Reason: err.Error()}
	}
	return cfg, nil
}

func openApp(ctx context.Context, withTelemetry bool) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := app.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	return app.Open(ctx, viper.GetString("workspace"), cfg, log, withTelemetry)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

// actorAs is the local caller. The CLI has direct database access, so the
// actor and role are taken from flags; fallback applies when --role is unset.
func actorAs(fallback domain.Role) domain.Actor {
	role := domain.Role(strings.TrimSpace(viper.GetString("role")))
	if role == "" {
		role = fallback
	}
	return domain.Actor{ID: viper.GetString("actor-id"), Role: role}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return 2
	case errors.Is(err, domain.ErrIllegalTransition), errors.Is(err, domain.ErrNotExecutable):
		return 3
	case errors.Is(err, domain.ErrDispatchFailure):
		return 4
	case errors.Is(err, domain.ErrIntegrityViolation):
		return 5
	}
	return 1
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseJSONObject(flag, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, domain.Invalid(flag, "must be a JSON object: "+err.Error())
	}
	return out, nil
}
