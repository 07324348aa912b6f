package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitewarden/internal/config"
	"sitewarden/internal/dates"
	"sitewarden/internal/db"
	"sitewarden/internal/domain"
	"sitewarden/internal/engine"
	"sitewarden/internal/migrate"
	"sitewarden/internal/notify"
	"sitewarden/internal/repo"
	"sitewarden/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sw",
	Short: "Sitewarden CLI",
	Long: `Sitewarden keeps maintenance schedules for a portfolio of managed websites.
Each site has a renewal month; from it the scheduler derives a yearly cadence
(pre-renewal check, renewal report, mid-year check) and materializes dated
maintenance items. Items move through a six-status workflow with a full audit
history, and completing one emails the site's contacts a summary including
package changes reported by the site's build pipeline.

The workspace is a .sitewarden directory holding the database; configuration
lives in sitewarden.yml next to it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SITEWARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(maintenanceCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(changelogCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func siteCmd() *cobra.Command {
	site := &cobra.Command{Use: "site", Short: "Manage sites"}
	site.AddCommand(siteSaveCmd())
	site.AddCommand(siteListCmd())
	site.AddCommand(siteShowCmd())
	site.AddCommand(siteDeleteCmd())
	return site
}

func siteSaveCmd() *cobra.Command {
	var id, name, env, websiteURL, gitURL, groupEmail string
	var contactName, contactEmail, contactPhone string
	var renewMonth int
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a site and materialize its schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var contact *domain.Contact
				if contactName != "" || contactEmail != "" || contactPhone != "" {
					contact = &domain.Contact{Name: contactName, Email: contactEmail, Phone: contactPhone}
				}
				res, err := e.SaveSchedule(ctx, engine.SaveScheduleOptions{
					SiteID:     id,
					Name:       name,
					Env:        env,
					RenewMonth: renewMonth,
					WebsiteURL: websiteURL,
					GitURL:     gitURL,
					GroupEmail: groupEmail,
					Contact:    contact,
					Rebuild:    rebuild,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Saved %s (%s): %d created, %d deleted over a -%d/+%d month window\n",
					res.Site.ID, res.Site.Env, res.Created, res.Deleted, res.Window.BackfillMonths, res.Window.ForwardMonths)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "site id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&env, "env", "production", "environment")
	cmd.Flags().IntVar(&renewMonth, "renew-month", 0, "renewal month (1-12)")
	cmd.Flags().StringVar(&websiteURL, "website-url", "", "public URL")
	cmd.Flags().StringVar(&gitURL, "git-url", "", "repository URL")
	cmd.Flags().StringVar(&groupEmail, "group-email", "", "notification address")
	cmd.Flags().StringVar(&contactName, "contact-name", "", "primary contact name")
	cmd.Flags().StringVar(&contactEmail, "contact-email", "", "primary contact email")
	cmd.Flags().StringVar(&contactPhone, "contact-phone", "", "primary contact phone")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "discard existing items and history first")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func siteListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sites, err := r.ListSites(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sites)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Env", "Renew", "Email"})
				for _, s := range sites {
					email := s.GroupEmail
					if email == "" && s.Contact != nil {
						email = s.Contact.Email
					}
					tw.AppendRow(table.Row{s.ID, s.Name, s.Env, time.Month(s.RenewMonth).String(), email})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func siteShowCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "show <site-id>",
		Short: "Show a site with its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				site, items, err := e.SiteSchedule(ctx, args[0], env)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"site": site, "items": items})
				}
				fmt.Printf("%s (%s), renews in %s\n", site.Name, site.Env, time.Month(site.RenewMonth))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Date", "Kind", "Status", "Completed"})
				for _, it := range items {
					completed := ""
					if it.CompletedAt != nil {
						completed = *it.CompletedAt
					}
					tw.AppendRow(table.Row{it.Date, it.Kind, it.Status, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment filter")
	return cmd
}

func siteDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <site-id>",
		Short: "Delete a site and everything attached to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DeleteSite(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Deleted %s: %d items, %d changelogs\n", res.SiteID, res.ItemsDeleted, res.ChangelogsDeleted)
				return nil
			})
		},
	}
	return cmd
}

func maintenanceCmd() *cobra.Command {
	m := &cobra.Command{Use: "maintenance", Short: "Maintenance items"}
	m.AddCommand(maintenanceListCmd())
	m.AddCommand(maintenanceNextCmd())
	m.AddCommand(maintenanceStatusCmd())
	return m
}

func maintenanceListCmd() *cobra.Command {
	var siteID, env, from, to string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List maintenance items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMaintenance(ctx, repo.MaintenanceFilters{
					SiteID: siteID, Env: env, From: from, To: to, Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Site", "Env", "Date", "Kind", "Status"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.SiteID, it.Env, it.Date, it.Kind, it.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "site id filter")
	cmd.Flags().StringVar(&env, "env", "", "environment filter")
	cmd.Flags().StringVar(&from, "from", "", "earliest date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "latest date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max items")
	return cmd
}

func maintenanceNextCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "next <site-id>",
		Short: "Show the next upcoming item for a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				it, err := r.NextItem(ctx, args[0], env, dates.ISODate(dates.TodayUTC(time.Now())))
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						fmt.Println("Nothing scheduled.")
						return nil
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				fmt.Printf("%s %s (%s): %s, %s\n", it.SiteID, it.Date, it.Env, it.Kind, it.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "env", "production", "environment")
	return cmd
}

func maintenanceStatusCmd() *cobra.Command {
	var siteID, env, date, status, from string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Apply a workflow transition",
		Long:  "Statuses: " + strings.Join(domain.Statuses, ", "),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.SetStatus(ctx, engine.SetStatusOptions{
					SiteID:     siteID,
					Env:        env,
					Date:       date,
					Status:     status,
					PrevStatus: from,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				fmt.Printf("%s %s (%s) is now %s\n", it.SiteID, it.Date, it.Env, it.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "site id")
	cmd.Flags().StringVar(&env, "env", "production", "environment")
	cmd.Flags().StringVar(&date, "date", "", "item date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&from, "from", "", "previous status recorded in history (defaults to the stored status)")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func schedulerCmd() *cobra.Command {
	s := &cobra.Command{Use: "scheduler", Short: "Schedule generation"}
	s.AddCommand(overviewCmd())
	s.AddCommand(rebuildAllCmd())
	return s
}

func overviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Portfolio overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.Overview(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Site", "Renew", "Next", "Kind", "Open", "Overdue", "Done"})
				for _, row := range rows {
					next, kind := "", ""
					if row.Next != nil {
						next, kind = row.Next.Date, row.Next.Kind
					}
					tw.AppendRow(table.Row{row.Site.ID, time.Month(row.Site.RenewMonth).String(), next, kind, row.Open, row.Overdue, row.Completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func rebuildAllCmd() *cobra.Command {
	var confirm string
	cmd := &cobra.Command{
		Use:   "rebuild-all",
		Short: "Rebuild every site's schedule from scratch",
		Long:  fmt.Sprintf("Destructive: statuses and history are discarded. Pass --confirm %q to proceed.", engine.RebuildAllConfirmation),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RebuildAll(ctx, engine.RebuildAllOptions{
					ConfirmText: confirm,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, sr := range res.Sites {
					if sr.Success {
						fmt.Printf("  %s (%s): %d deleted, %d created\n", sr.SiteID, sr.Env, sr.Deleted, sr.Created)
					} else {
						fmt.Printf("  %s (%s): FAILED: %s\n", sr.SiteID, sr.Env, sr.Error)
					}
				}
				fmt.Printf("Rebuilt %d sites: %d deleted, %d created, %d failed\n",
					len(res.Sites), res.TotalDeleted, res.TotalCreated, res.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "confirmation phrase")
	return cmd
}

func changelogCmd() *cobra.Command {
	c := &cobra.Command{Use: "changelog", Short: "Build-run changelogs"}
	c.AddCommand(changelogLatestCmd())
	c.AddCommand(changelogRecordCmd())
	return c
}

func changelogLatestCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "latest <site-id>",
		Short: "Most recent changelog for a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cl, err := r.LatestChangelog(ctx, args[0], env)
				if err != nil {
					return err
				}
				return printJSON(cl)
			})
		},
	}
	cmd.Flags().StringVar(&env, "env", "production", "environment")
	return cmd
}

func changelogRecordCmd() *cobra.Command {
	var siteID, env, runAt, payloadFile string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a changelog payload from a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(payloadFile)
			if err != nil {
				return err
			}
			if runAt == "" {
				runAt = time.Now().UTC().Format(time.RFC3339)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cl, err := e.RecordChangelog(ctx, engine.RecordChangelogOptions{
					SiteID:      siteID,
					Env:         env,
					RunAt:       runAt,
					PayloadJSON: string(data),
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(cl)
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "site id")
	cmd.Flags().StringVar(&env, "env", "production", "environment")
	cmd.Flags().StringVar(&runAt, "run-at", "", "run timestamp (RFC3339, defaults to now)")
	cmd.Flags().StringVar(&payloadFile, "file", "", "JSON payload file")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var siteID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, siteID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&siteID, "site", "", "site id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	return c
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sitewarden.yml with the defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if _, err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := newEngine(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:    os.Getenv("SITEWARDEN_JWT_SECRET"),
				IngestKey:    os.Getenv("SITEWARDEN_INGEST_KEY"),
				IngestSecret: os.Getenv("SITEWARDEN_INGEST_SECRET"),
			}
			if key := os.Getenv("SITEWARDEN_API_KEY"); key != "" {
				authCfg.APIKeys = map[string]string{key: "api-key-user"}
			}
			if authCfg.JWTSecret == "" && len(authCfg.APIKeys) == 0 {
				return fmt.Errorf("SITEWARDEN_JWT_SECRET or SITEWARDEN_API_KEY is required")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Sitewarden API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func newEngine(conn *sql.DB, cfg *config.Config) engine.Engine {
	e := engine.New(conn, cfg)
	if token := os.Getenv("SITEWARDEN_POSTMARK_TOKEN"); token != "" {
		e.Mailer = notify.NewPostmark(token, cfg.Mail.From, cfg.Mail.MessageStream)
	}
	return e
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, newEngine(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
