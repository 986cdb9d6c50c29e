package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicflow/internal/classifier"
	"civicflow/internal/config"
	"civicflow/internal/db"
	"civicflow/internal/escalation"
	"civicflow/internal/migrate"
	"civicflow/internal/notify"
	"civicflow/internal/queue"
	"civicflow/internal/repo"
	"civicflow/internal/scheduler"
	"civicflow/internal/server"
	"civicflow/internal/worker"
	"civicflow/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "CivicFlow CLI",
	Long: `CivicFlow orchestrates civic issue reports from intake to resolution:
reports are queued, classified, routed to the least-loaded officer of the
mapped department, tracked against SLA deadlines, and escalated up the
authority ladder when they breach or go stale.`,
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
	viper.SetEnvPrefix("CIVICFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/civicflow.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(logCmd())
}

// app bundles the wired components a command needs.
type app struct {
	DB          *sql.DB
	RDB         *redis.Client
	Cfg         *config.Config
	Repo        repo.Repo
	Machine     *workflow.Machine
	Escalations *escalation.Manager
	Queue       *queue.Intake
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	workspace := viper.GetString("workspace")
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(workspace)
	}
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	r := repo.Repo{DB: conn}
	dispatcher := notify.New(r)
	machine := workflow.New(conn)
	machine.Emit = dispatcher.Dispatch
	escalations := escalation.New(conn)
	escalations.Emit = dispatcher.Dispatch
	intake := queue.New(rdb, cfg.Queue.MaxRetries, cfg.Queue.DequeueTimeout.Std(), cfg.Worker.HeartbeatTTL.Std())

	return fn(ctx, &app{
		DB:          conn,
		RDB:         rdb,
		Cfg:         cfg,
		Repo:        r,
		Machine:     machine,
		Escalations: escalations,
		Queue:       intake,
	})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				handler, err := server.New(server.Config{
					Machine:     a.Machine,
					Escalations: a.Escalations,
					Queue:       a.Queue,
					Repo:        a.Repo,
					App:         a.Cfg,
					BasePath:    basePath,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving CivicFlow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the classification worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				clf := classifier.NewHTTP(a.Cfg.Classifier.URL, a.Cfg.Classifier.Timeout.Std())
				w := worker.New(a.Machine, a.Queue, clf, a.Cfg)
				return w.Run(ctx)
			})
		},
	}
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run the SLA and stale-work schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				sla := &scheduler.SLAChecker{
					Machine:     a.Machine,
					Repo:        a.Repo,
					Escalations: a.Escalations,
					Config:      a.Cfg,
					Now:         time.Now,
				}
				stale := &scheduler.StaleChecker{
					Repo:        a.Repo,
					Escalations: a.Escalations,
					Config:      a.Cfg,
					Now:         time.Now,
				}
				runner := &scheduler.Runner{
					Lock: queue.Lock{RDB: a.RDB},
					Jobs: []scheduler.Job{
						{Name: "sla-check", Every: a.Cfg.SLA.CheckInterval.Std(), Run: sla.RunOnce},
						{Name: "stale-check", Every: a.Cfg.Stale.CheckInterval.Std(), Run: stale.RunOnce},
					},
				}
				runner.Start(ctx)
				return nil
			})
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	var reporter, title, description, severity string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a report and queue it for classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				rep, err := a.Machine.SubmitReport(ctx, reporter, title, description, severity, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				queued, err := a.Queue.Enqueue(ctx, rep.ID)
				if err != nil {
					return fmt.Errorf("report %s stored but not queued: %w", rep.ID, err)
				}
				return printJSONOrTable(map[string]any{
					"report_id": rep.ID,
					"status":    rep.Status,
					"queued":    queued,
				})
			})
		},
	}
	cmd.Flags().StringVar(&reporter, "reporter", "", "reporter id")
	cmd.Flags().StringVar(&title, "title", "", "report title")
	cmd.Flags().StringVar(&description, "description", "", "report description")
	cmd.Flags().StringVar(&severity, "severity", "medium", "severity (low|medium|high|critical)")
	_ = cmd.MarkFlagRequired("reporter")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the intake pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				st := a.Queue.Status(ctx)
				if viper.GetBool("json") {
					return printJSON(st)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendRow(table.Row{"worker", st.WorkerStatus})
				if st.LastHeartbeat != nil {
					t.AppendRow(table.Row{"last heartbeat", *st.LastHeartbeat})
				}
				t.AppendRow(table.Row{"queue length", st.QueueLength})
				t.AppendRow(table.Row{"dead letters", st.DeadLetterLength})
				if len(st.ItemsInQueuePreview) > 0 {
					t.AppendRow(table.Row{"next up", strings.Join(st.ItemsInQueuePreview, "\n")})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Manage reports"}
	rep.AddCommand(reportListCmd())
	rep.AddCommand(reportShowCmd())
	rep.AddCommand(reportReviewCmd())
	rep.AddCommand(reportAssignCmd())
	rep.AddCommand(reportTransitionCmd())
	return rep
}

func reportListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items, err := a.Repo.ListReports(ctx, status, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func reportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <report-id>",
		Short: "Show a report with its open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				rep, err := a.Repo.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"report": rep}
				if t, err := a.Repo.GetOpenTaskByReport(ctx, rep.ID); err == nil {
					out["task"] = t
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func reportReviewCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List reports awaiting manual assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items, err := a.Repo.ListNeedsReview(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func reportAssignCmd() *cobra.Command {
	var officerID, departmentID, priority string
	cmd := &cobra.Command{
		Use:   "assign <report-id>",
		Short: "Assign a report to an officer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				rep, err := a.Repo.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				dept := departmentID
				if dept == "" && rep.Category != nil {
					d, err := a.Repo.GetDepartmentByCategory(ctx, *rep.Category)
					if err != nil && !errors.Is(err, repo.ErrNotFound) {
						return err
					}
					if err == nil {
						dept = d.ID
					}
				}
				if dept == "" {
					return fmt.Errorf("--department required: category has no department mapping")
				}
				category := ""
				if rep.Category != nil {
					category = *rep.Category
				}
				deadline := time.Now().UTC().Add(a.Cfg.SLAWindow(category))
				t, err := a.Machine.AssignToOfficer(ctx, workflow.AssignOptions{
					ReportID:     rep.ID,
					DepartmentID: dept,
					OfficerID:    officerID,
					Priority:     priority,
					SLADeadline:  deadline,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&officerID, "officer", "", "officer id")
	cmd.Flags().StringVar(&departmentID, "department", "", "department id (defaults to category mapping)")
	cmd.Flags().StringVar(&priority, "priority", "", "task priority")
	_ = cmd.MarkFlagRequired("officer")
	return cmd
}

func reportTransitionCmd() *cobra.Command {
	var to, reason string
	cmd := &cobra.Command{
		Use:   "transition <report-id>",
		Short: "Apply a report lifecycle transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				meta := map[string]string{}
				if reason != "" {
					meta["reason"] = reason
				}
				res, err := a.Machine.Transition(ctx, workflow.TransitionRequest{
					EntityKind:   "report",
					EntityID:     args[0],
					TargetStatus: to,
					ActorID:      viper.GetString("actor-id"),
					Metadata:     meta,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required for rejected/duplicate)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskTransitionCmd())
	return task
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				t, err := a.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var to, reason, proof string
	cmd := &cobra.Command{
		Use:   "transition <task-id>",
		Short: "Apply a task lifecycle transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				meta := map[string]string{}
				if reason != "" {
					meta["reason"] = reason
				}
				if proof != "" {
					if !json.Valid([]byte(proof)) {
						return fmt.Errorf("--proof must be valid JSON")
					}
					meta["proof_json"] = proof
				}
				res, err := a.Machine.Transition(ctx, workflow.TransitionRequest{
					EntityKind:   "task",
					EntityID:     args[0],
					TargetStatus: to,
					ActorID:      viper.GetString("actor-id"),
					Metadata:     meta,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required for rejected)")
	cmd.Flags().StringVar(&proof, "proof", "", "proof of work JSON (required for resolved)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escalation", Short: "Manage escalations"}
	esc.AddCommand(escalationListCmd())
	esc.AddCommand(escalationRaiseCmd())
	esc.AddCommand(escalationStatusCmd())
	return esc
}

func escalationListCmd() *cobra.Command {
	var taskID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items, err := a.Repo.ListEscalations(ctx, taskID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func escalationRaiseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "raise <task-id>",
		Short: "Escalate a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				esc, err := a.Escalations.Escalate(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "escalation reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func escalationStatusCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "status <escalation-id>",
		Short: "Move an escalation through its review ladder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				esc, err := a.Escalations.UpdateStatus(ctx, args[0], to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func notificationCmd() *cobra.Command {
	n := &cobra.Command{Use: "notifications", Short: "Manage notifications"}
	n.AddCommand(notificationListCmd())
	n.AddCommand(notificationReadCmd())
	return n
}

func notificationListCmd() *cobra.Command {
	var recipient string
	var unread bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications for a recipient",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if recipient == "" {
					recipient = viper.GetString("actor-id")
				}
				items, err := a.Repo.ListNotifications(ctx, recipient, unread, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient id (defaults to actor-id)")
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func notificationReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.Repo.MarkNotificationRead(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				events, err := a.Repo.ListEvents(ctx, entityKind, entityID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

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
