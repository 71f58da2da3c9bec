package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reflowline/internal/app"
	"reflowline/internal/config"
	"reflowline/internal/engine"
	"reflowline/internal/engine/auth"
	"reflowline/internal/repo"
	"reflowline/internal/server"
	"reflowline/internal/telemetry"
)

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every import, transition, evidence attachment, plan edit, apply and baseline change is appended here.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := newTable(os.Stdout, "ID", "TS", "TYPE", "ENTITY", "ACTOR", "PAYLOAD")
				for _, ev := range events {
					entity := ev.EntityKind
					if ev.EntityID != "" {
						entity += ":" + ev.EntityID
					}
					t.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, entity, ev.ActorID, ev.Payload})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var forActor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if forActor == "" {
				forActor = actorID()
			}
			return withPermission(cmd.Context(), auth.PermAPIKeyManage, func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, forActor, name, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "created_at": key.CreatedAt, "key": raw})
				}
				fmt.Printf("Created %s for %s\n%s\n", key.ID, key.ActorID, raw)
				fmt.Println(paint(warningStyle, "Store this key now; it cannot be shown again."))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&forActor, "actor", "", "actor the key authenticates as (default --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var forActor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), auth.PermAPIKeyManage, func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, forActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				t := newTable(os.Stdout, "ID", "ACTOR", "NAME", "CREATED")
				for _, k := range keys {
					t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&forActor, "actor", "", "only keys of this actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermission(cmd.Context(), auth.PermAPIKeyManage, func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteAPIKey(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader, devLogin, watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			level := slog.LevelInfo
			if viper.GetBool("verbose") {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				DevLogin:               devLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("REFLOWLINE_JWT_SECRET (or --jwt-secret) is required for bearer auth")
			}

			live := config.NewLive(nil)
			w, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: logger, Live: live})
			if err != nil {
				return err
			}
			defer w.Close()

			shutdownTelemetry, err := telemetry.Init(ctx, w.Config.Telemetry, server.Version)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(sctx); err != nil {
					logger.Warn("telemetry shutdown", "err", err)
				}
			}()

			if watch {
				go func() {
					if err := config.Watch(ctx, w.ConfigPath, live, logger); err != nil {
						logger.Warn("config watch stopped", "err", err)
					}
				}()
			}
			server.StartWebhooks(ctx, w.Engine, live.Load, logger)

			handler, err := server.New(server.Config{Engine: w.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			logger.Info("serving reflowline API", "addr", addr, "base_path", basePath, "project", w.Config.Project.ID)
			fmt.Fprintf(os.Stderr, "Serving Reflowline API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	cmd.Flags().BoolVar(&watch, "watch-config", true, "reload reflowline.yml on change")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
