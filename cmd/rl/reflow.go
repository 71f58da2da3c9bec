package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reflowline/internal/domain"
	"reflowline/internal/engine"
	"reflowline/internal/engine/auth"
	"reflowline/internal/reflow"
)

func reflowCmd() *cobra.Command {
	rf := &cobra.Command{
		Use:   "reflow",
		Short: "Preview and apply schedule reflows",
		Long:  "A preview recomputes the schedule from a cursor and proposes plan.start/plan.end changes under a run id. Apply writes exactly those changes once an approver signs off; previews expire after cache.preview_ttl_seconds.",
	}
	rf.AddCommand(reflowPreviewCmd())
	rf.AddCommand(reflowApplyCmd())
	rf.AddCommand(reflowRunsCmd())
	rf.AddCommand(reflowShowCmd())
	rf.AddCommand(reflowScheduleCmd())
	return rf
}

func reflowPreviewCmd() *cobra.Command {
	var trip, cursor, reason string
	var trips []string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Propose a reflow from a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), auth.PermReflowPreview, func(ctx context.Context, e engine.Engine) error {
				if len(trips) > 0 || cmd.Flags().Changed("all-trips") {
					runs, err := e.PreviewTrips(ctx, trips, reason, actorID())
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(runs)
					}
					for _, run := range runs {
						printRun(os.Stdout, run, nil, nil)
						fmt.Println()
					}
					return nil
				}
				ts, err := parseCursor(cursor, time.Now())
				if err != nil {
					return err
				}
				res, err := e.Preview(ctx, domain.ReflowSeed{Reason: reason, CursorTS: ts, FocusTripID: trip}, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": res.Run, "critical_path": res.CriticalPath, "warnings": res.Warnings})
				}
				printRun(os.Stdout, res.Run, res.CriticalPath, res.Warnings)
				fmt.Printf("Apply with: rl reflow apply --run-id %s\n", res.Run.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&trip, "trip", "", "limit the reflow to one trip")
	cmd.Flags().StringSliceVar(&trips, "trips", nil, "preview these trips independently")
	cmd.Flags().Bool("all-trips", false, "preview every trip independently")
	cmd.Flags().StringVar(&cursor, "cursor", "", `earliest start, RFC3339 or e.g. "tomorrow 06:00" (default now)`)
	cmd.Flags().StringVar(&reason, "reason", "manual", "why the reflow is requested")
	return cmd
}

func reflowApplyCmd() *cobra.Command {
	var runID, approver, comment, mode string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a previewed run",
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := reflow.ParseViewMode(mode)
			if err != nil {
				return err
			}
			if strings.TrimSpace(approver) == "" {
				approver = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Authz().Require(ctx, approver, auth.PermReflowApply); err != nil {
					return err
				}
				run, err := e.Apply(ctx, engine.ApplyOptions{
					RunID:    runID,
					Approval: domain.Approval{ApprovedBy: approver, Comment: comment},
					Mode:     vm,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				printRun(os.Stdout, run, nil, nil)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "preview run id")
	cmd.Flags().StringVar(&approver, "approver", "", "approving actor (default --actor-id)")
	cmd.Flags().StringVar(&comment, "comment", "", "approval comment")
	cmd.Flags().StringVar(&mode, "mode", "live", "view mode")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func reflowRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List applied runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				t := newTable(os.Stdout, "RUN", "REQUESTED", "BY", "APPROVED BY", "CHANGES", "BLOCKING", "REASON")
				for _, r := range runs {
					approvedBy := ""
					if r.Approval != nil {
						approvedBy = r.Approval.ApprovedBy
					}
					t.AppendRow(table.Row{r.ID, r.RequestedAt.UTC().Format(time.RFC3339), r.RequestedBy, approvedBy, len(r.AppliedChanges), r.CollisionSummary.Blocking, r.Seed.Reason})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs")
	return cmd
}

func reflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a cached preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.GetPreview(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				printRun(os.Stdout, run, nil, nil)
				return nil
			})
		},
	}
}

func reflowScheduleCmd() *cobra.Command {
	var trip string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Compute ES/EF/LS/LF and slack without recording a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Schedule(ctx, trip)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"activities": res.Activities, "order": res.Order, "critical_path": res.CriticalPath, "collisions": res.Run.Collisions})
				}
				printActivities(os.Stdout, res.Activities)
				if len(res.CriticalPath) > 0 {
					fmt.Printf("Critical path: %s\n", strings.Join(res.CriticalPath, " -> "))
				}
				for _, c := range res.Run.Collisions {
					fmt.Printf("%s %s: %s\n", severityLabel(c.Severity), c.Kind, c.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&trip, "trip", "", "trip id")
	return cmd
}
