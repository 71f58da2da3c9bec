package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reflowline/internal/app"
	"reflowline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reflowline CLI",
	Long: `Reflowline keeps a trip schedule consistent when activities move.
- Plan: activities with durations, dependencies (fs/ss/ff/sf + lag), resources and constraints.
- Reflow: forward/backward passes compute ES/EF/LS/LF and slack; collisions flag what does not fit.
- Preview then apply: a preview is a proposal with a run id; apply writes it under an approver.
- Lifecycle: activities move draft -> planned -> ready -> in_progress -> completed, gated by evidence.
- Baselines: hashed snapshots of the plan that freeze fields and report drift.
- Event log: every change is recorded, view with 'rl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := app.LoadEnv(viper.GetString("workspace")); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REFLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging on stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(reflowCmd())
	rootCmd.AddCommand(baselineCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

// withEngine opens the workspace for the duration of fn.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	w, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: cliLogger()})
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w.Engine)
}

// withPermission is withEngine gated on the calling actor holding perm.
func withPermission(ctx context.Context, perm string, fn func(context.Context, engine.Engine) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		if err := e.Authz().Require(ctx, actorID(), perm); err != nil {
			return err
		}
		return fn(ctx, e)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
