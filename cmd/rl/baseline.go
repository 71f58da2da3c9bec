package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reflowline/internal/domain"
	"reflowline/internal/engine"
	"reflowline/internal/engine/auth"
)

func baselineCmd() *cobra.Command {
	bl := &cobra.Command{
		Use:   "baseline",
		Short: "Snapshot, freeze and compare the plan",
	}
	bl.AddCommand(baselineCreateCmd())
	bl.AddCommand(baselineListCmd())
	bl.AddCommand(baselineActivateCmd())
	bl.AddCommand(baselineVerifyCmd())
	bl.AddCommand(baselineDriftCmd())
	return bl
}

func baselineCreateCmd() *cobra.Command {
	var opts engine.CreateBaselineOptions
	var lockLevel string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Capture the current plan as a baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			opts.LockLevelOnApply = domain.LockLevel(lockLevel)
			return withPermission(cmd.Context(), auth.PermBaselineManage, func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBaseline(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("Baseline %s %q (%s), %d activities, sha256 %s\n", b.ID, b.Name, b.Status, snapshotSize(b), b.Snapshot.Hash.Value)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "baseline name")
	cmd.Flags().StringSliceVar(&opts.FrozenFields, "frozen", nil, "frozen field patterns, e.g. activities.*.plan.start")
	cmd.Flags().StringVar(&lockLevel, "lock-level", "", "lock level applied to activities on activation (none, soft, hard, baseline)")
	cmd.Flags().BoolVar(&opts.AllowActualUpdates, "allow-actual-updates", true, "allow actuals on locked activities")
	cmd.Flags().BoolVar(&opts.AllowEvidenceAdd, "allow-evidence-add", true, "allow evidence on locked activities")
	cmd.Flags().BoolVar(&opts.Activate, "activate", false, "activate right away")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func snapshotSize(b domain.Baseline) int {
	if b.Snapshot.Entities == nil {
		return 0
	}
	return len(b.Snapshot.Entities.ActivitiesPlan)
}

func baselineListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List baselines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBaselines(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable(os.Stdout, "ID", "NAME", "STATUS", "CREATED", "ACTIVITIES", "FROZEN")
				for _, b := range items {
					status := b.Status
					if status == "active" {
						status = paint(okStyle, status)
					}
					t.AppendRow(table.Row{b.ID, b.Name, status, b.CreatedAt.UTC().Format("2006-01-02 15:04"), snapshotSize(b), len(b.FreezePolicy.FrozenFields)})
				}
				t.Render()
				return nil
			})
		},
	}
}

func baselineActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Make a baseline the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), auth.PermBaselineManage, func(ctx context.Context, e engine.Engine) error {
				b, err := e.ActivateBaseline(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("Baseline %s is active\n", b.ID)
				return nil
			})
		},
	}
}

func baselineVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [id]",
		Short: "Recompute a baseline's snapshot hash (active baseline by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.VerifyBaseline(ctx, optionalArg(args))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else if res.Valid {
					fmt.Printf("%s %s hash %s\n", paint(okStyle, "valid"), res.BaselineID, res.Actual)
				} else {
					fmt.Printf("%s %s expected %s got %s\n", paint(blockingStyle, "tampered"), res.BaselineID, res.Expected, res.Actual)
				}
				if !res.Valid {
					return engine.ErrBaselineTampered
				}
				return nil
			})
		},
	}
}

func baselineDriftCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drift [id]",
		Short: "Compare plan days with a baseline (active baseline by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Drift(ctx, optionalArg(args))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.DriftCount == 0 {
					fmt.Println(paint(okStyle, "No drift."))
					return nil
				}
				t := newTable(os.Stdout, "ACTIVITY", "FIELD", "BASELINE", "CURRENT")
				for _, d := range res.Drifts {
					t.AppendRow(table.Row{d.ActivityID, d.Field, d.BaselineValue, d.CurrentValue})
				}
				t.Render()
				fmt.Printf("%d drifted fields\n", res.DriftCount)
				return nil
			})
		},
	}
}

func optionalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
