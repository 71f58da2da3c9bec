package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reflowline/internal/domain"
	"reflowline/internal/engine"
	"reflowline/internal/engine/auth"
	"reflowline/internal/lifecycle"
	"reflowline/internal/reflow"
	"reflowline/internal/repo"
)

var errTransitionRefused = errors.New("transition refused")

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Inspect and operate activities",
		Long:  "Activities move draft -> planned -> ready -> in_progress -> completed. paused and blocked are detours; canceled and aborted are exits. Evidence requirements gate ready and in_progress.",
	}
	act.AddCommand(activityListCmd())
	act.AddCommand(activityShowCmd())
	act.AddCommand(activityHistoryCmd())
	act.AddCommand(activityTransitionCmd())
	act.AddCommand(activityEvidenceCmd())
	act.AddCommand(activitySetCmd())
	return act
}

func activityListCmd() *cobra.Command {
	var tripID, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acts, err := e.ListActivities(ctx, repo.ActivityFilters{TripID: tripID, State: domain.ActivityState(state)})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(acts)
				}
				printActivities(os.Stdout, acts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tripID, "trip", "", "trip id")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	return cmd
}

func activityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetActivity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
}

func activityHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show transition attempts for an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable(os.Stdout, "TS", "ACTOR", "FROM", "TO", "OK", "REASON")
				for _, h := range items {
					ok := paint(okStyle, "yes")
					if !h.Details.Success {
						ok = paint(blockingStyle, "no")
					}
					t.AppendRow(table.Row{h.TS.UTC().Format(time.RFC3339), h.Actor, h.Details.FromState, h.Details.ToState, ok, h.Details.Reason})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func activityTransitionCmd() *cobra.Command {
	var opts engine.TransitionOptions
	var to, mode string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move an activity to another state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := reflow.ParseViewMode(mode)
			if err != nil {
				return err
			}
			opts.ActivityID = args[0]
			opts.To = domain.ActivityState(to)
			opts.ActorID = actorID()
			opts.Mode = vm
			return withPermission(cmd.Context(), auth.PermActivityTransition, func(ctx context.Context, e engine.Engine) error {
				res, err := e.Transition(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					printTransition(res)
				}
				if !res.Success {
					return fmt.Errorf("%w: %s", errTransitionRefused, res.BlockerCode)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target state")
	cmd.Flags().StringVar(&opts.BlockerCode, "blocker-code", "", "blocker code (required for blocked)")
	cmd.Flags().StringVar(&opts.AbortReason, "abort-reason", "", "reason (required for aborted)")
	cmd.Flags().StringVar(&mode, "mode", "live", "view mode")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func printTransition(res lifecycle.Result) {
	if res.Success {
		fmt.Printf("%s %s -> %s\n", paint(okStyle, "ok"), res.Activity.ID, res.Activity.State)
		return
	}
	fmt.Printf("%s %s stays %s: %s\n", paint(blockingStyle, "refused"), res.Activity.ID, res.Activity.State, res.BlockerCode)
	for _, m := range res.Missing {
		fmt.Printf("  missing %s (%s, need %d)\n", m.EvidenceType, m.Stage, max(m.MinCount, 1))
	}
}

func activityEvidenceCmd() *cobra.Command {
	var item domain.EvidenceItem
	var mode string
	cmd := &cobra.Command{
		Use:   "evidence <id>",
		Short: "Attach an evidence item to an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := reflow.ParseViewMode(mode)
			if err != nil {
				return err
			}
			return withPermission(cmd.Context(), auth.PermEvidenceAttach, func(ctx context.Context, e engine.Engine) error {
				a, ev, err := e.AttachEvidence(ctx, engine.AttachEvidenceOptions{ActivityID: args[0], Item: item, ActorID: actorID(), Mode: vm})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"activity": a, "evidence": ev})
				}
				fmt.Printf("Attached %s (%s) to %s; %d evidence items\n", ev.ID, ev.EvidenceType, a.ID, len(a.EvidenceIDs))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&item.ID, "id", "", "evidence id (generated when empty)")
	cmd.Flags().StringVar(&item.EvidenceType, "type", "", "evidence type, e.g. ptw")
	cmd.Flags().StringVar(&item.Title, "title", "", "title")
	cmd.Flags().StringVar(&item.URI, "uri", "", "link to the document")
	cmd.Flags().StringVar(&mode, "mode", "live", "view mode")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func activitySetCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "set <id> <field> <value>",
		Short: "Edit a plan field (plan.start, plan.end, plan.duration_min, plan.duration_mode, plan.notes)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := reflow.ParseViewMode(mode)
			if err != nil {
				return err
			}
			return withPermission(cmd.Context(), auth.PermPlanEdit, func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetPlanField(ctx, engine.SetPlanFieldOptions{ActivityID: args[0], Field: args[1], Value: args[2], ActorID: actorID(), Mode: vm})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				printActivities(os.Stdout, []domain.Activity{a})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "live", "view mode")
	return cmd
}
