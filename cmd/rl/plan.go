package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reflowline/internal/app"
	"reflowline/internal/engine"
	"reflowline/internal/engine/auth"
	"reflowline/internal/planfile"
)

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create reflowline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			w, created, err := app.Init(cmd.Context(), viper.GetString("workspace"), projectID, actorID(), cliLogger())
			if err != nil {
				return err
			}
			defer w.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"project_id": w.Config.Project.ID, "config": w.ConfigPath, "created": created})
			}
			if created {
				fmt.Printf("Initialized %s with %s as owner (%s)\n", w.Config.Project.ID, actorID(), w.ConfigPath)
			} else {
				fmt.Printf("Workspace already initialized (%s); database migrated\n", w.ConfigPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Project: %s (schema v%d)\n", st.ProjectID, st.SchemaVersion)
				fmt.Printf("Activities: %d across %d trips\n", st.Activities, len(st.Trips))
				states := make([]string, 0, len(st.ActivitiesByState))
				for s := range st.ActivitiesByState {
					states = append(states, s)
				}
				sort.Strings(states)
				t := newTable(os.Stdout, "STATE", "COUNT")
				for _, s := range states {
					t.AppendRow(table.Row{s, st.ActivitiesByState[s]})
				}
				t.Render()
				fmt.Printf("Applied runs: %d", st.Runs)
				if st.LastRunID != "" {
					fmt.Printf(" (last %s)", st.LastRunID)
				}
				fmt.Println()
				if st.ActiveBaselineID != "" {
					fmt.Printf("Active baseline: %s\n", st.ActiveBaselineID)
				}
				return nil
			})
		},
	}
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Import and export plan files (.json, .yaml, .toml)",
	}
	plan.AddCommand(planImportCmd())
	plan.AddCommand(planExportCmd())
	return plan
}

func planImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert activities, resources, evidence and baselines from a plan file",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := planfile.ReadFile(file)
			if err != nil {
				return err
			}
			return withPermission(cmd.Context(), auth.PermPlanEdit, func(ctx context.Context, e engine.Engine) error {
				res, err := e.ImportPlan(ctx, doc, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Imported %d activities, %d resources, %d evidence items, %d baselines\n",
					res.Activities, res.Resources, res.Evidence, res.Baselines)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "plan file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func planExportCmd() *cobra.Command {
	var file, format string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored plan to a file or stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := planfile.Format(format)
			if file != "" && !cmd.Flags().Changed("format") {
				detected, err := planfile.DetectFormat(file)
				if err != nil {
					return err
				}
				f = detected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.ExportPlan(ctx)
				if err != nil {
					return err
				}
				data, err := planfile.Encode(doc, f)
				if err != nil {
					return err
				}
				if file == "" {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(file, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "output file (stdout when empty)")
	cmd.Flags().StringVar(&format, "format", "yaml", "json, yaml or toml")
	return cmd
}
