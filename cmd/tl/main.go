package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"threadline/internal/app"
	"threadline/internal/config"
	"threadline/internal/db"
	"threadline/internal/domain"
	"threadline/internal/events"
	"threadline/internal/gate"
	"threadline/internal/ledger"
	"threadline/internal/orchestrator"
	"threadline/internal/repo"
	"threadline/internal/server"
	"threadline/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Threadline CLI",
	Long: `Threadline keeps every piece of work on an append-only thread of events.
- Workspace: your .threadline directory with the database; config lives in threadline.yml.
- Thread: one line of work with a founding intent that never changes.
- Events: the diary of a thread, numbered without gaps; view with 'tl log'.
- Checkpoints: risky actions wait for a human approve/reject inside a 24h window.
- Decision points: open questions that age green -> yellow -> red -> blink until answered.
- Orchestrator: picks how much verification each piece of work deserves for the budget.`,
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
	viper.SetEnvPrefix("THREADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("identity", "", "identity id (overrides config)")
	rootCmd.PersistentFlags().String("user", "local-user", "user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("identity", rootCmd.PersistentFlags().Lookup("identity"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(threadCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(pointCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(orchestrateCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default threadline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			identity := viper.GetString("identity")
			if identity == "" {
				identity = "local-identity"
			}
			if err := app.SeedConfig(workspace, identity); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", config.Path(workspace))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				return printJSON(a.Config)
			})
		},
	})
	return cfg
}

func threadCmd() *cobra.Command {
	th := &cobra.Command{Use: "thread", Short: "Manage threads"}
	th.AddCommand(threadCreateCmd())
	th.AddCommand(threadListCmd())
	th.AddCommand(threadShowCmd())
	th.AddCommand(threadUpdateCmd())
	th.AddCommand(threadRefineCmd())
	th.AddCommand(threadStatusCmd("pause", "paused"))
	th.AddCommand(threadStatusCmd("resume", "active"))
	th.AddCommand(threadStatusCmd("archive", "archived"))
	th.AddCommand(threadReplayCmd())
	return th
}

func threadCreateCmd() *cobra.Command {
	var title, intent, sphere string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			if intent == "" {
				return fmt.Errorf("--intent required")
			}
			return withApp(func(ctx context.Context, a *app.Context) error {
				if sphere == "" {
					sphere = a.Config.Identity.Sphere
				}
				t, err := a.Ledger.CreateThread(ctx, ledger.CreateThreadOptions{
					IdentityID:     a.Config.Identity.ID,
					SphereID:       sphere,
					Title:          title,
					FoundingIntent: intent,
					Actor:          viper.GetString("user"),
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "thread title")
	cmd.Flags().StringVar(&intent, "intent", "", "founding intent")
	cmd.Flags().StringVar(&sphere, "sphere", "", "sphere id")
	_ = cmd.MarkFlagRequired("intent")
	return cmd
}

func threadListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				items, err := a.Ledger.ListThreads(ctx, repo.ThreadFilters{
					IdentityID: a.Config.Identity.ID,
					Status:     status,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Events", "Pending", "Intent"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.EventCount, t.PendingActionCount, truncate(t.CurrentIntent, 48)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, paused, archived)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func threadShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Show a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				t, err := a.Ledger.GetThread(ctx, a.Config.Identity.ID, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func threadUpdateCmd() *cobra.Command {
	var title, sphere string
	cmd := &cobra.Command{
		Use:   "update <thread-id>",
		Short: "Update thread metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				var titleP, sphereP *string
				if cmd.Flags().Changed("title") {
					titleP = &title
				}
				if cmd.Flags().Changed("sphere") {
					sphereP = &sphere
				}
				t, err := a.Ledger.UpdateThread(ctx, a.Config.Identity.ID, args[0], titleP, sphereP, viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&sphere, "sphere", "", "new sphere id")
	return cmd
}

func threadRefineCmd() *cobra.Command {
	var intent string
	cmd := &cobra.Command{
		Use:   "refine <thread-id>",
		Short: "Refine the current intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if intent == "" {
				return fmt.Errorf("--intent required")
			}
			return withApp(func(ctx context.Context, a *app.Context) error {
				t, err := a.Ledger.RefineIntent(ctx, a.Config.Identity.ID, args[0], intent, viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&intent, "intent", "", "refined intent")
	_ = cmd.MarkFlagRequired("intent")
	return cmd
}

func threadStatusCmd(use, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <thread-id>",
		Short: "Set thread status to " + status,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				t, err := a.Ledger.SetThreadStatus(ctx, a.Config.Identity.ID, args[0], status, viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func threadReplayCmd() *cobra.Command {
	var fromSnapshot bool
	cmd := &cobra.Command{
		Use:   "replay <thread-id>",
		Short: "Rebuild thread state from the log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				proj, err := a.Ledger.Replay(ctx, a.Config.Identity.ID, args[0], fromSnapshot)
				if err != nil {
					return err
				}
				return printJSON(proj)
			})
		},
	}
	cmd.Flags().BoolVar(&fromSnapshot, "from-snapshot", false, "resume from the latest snapshot")
	return cmd
}

func logCmd() *cobra.Command {
	var after int64
	var limit int
	var appendType, actionType, impact, payloadJSON string
	cmd := &cobra.Command{
		Use:   "log <thread-id>",
		Short: "List thread events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				page, err := a.Ledger.ListEvents(ctx, a.Config.Identity.ID, args[0], after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Actor", "At", "Payload"})
				for _, e := range page.Items {
					tw.AppendRow(table.Row{e.SequenceNumber, e.Type, e.Actor, e.CreatedAt, truncate(e.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "start after sequence number")
	cmd.Flags().IntVar(&limit, "limit", 100, "max events")

	appendCmd := &cobra.Command{
		Use:   "append <thread-id>",
		Short: "Append an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if appendType == "" {
				return fmt.Errorf("--type required")
			}
			var payload events.Payload
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withApp(func(ctx context.Context, a *app.Context) error {
				res, err := a.Ledger.Append(ctx, ledger.AppendOptions{
					IdentityID: a.Config.Identity.ID,
					ThreadID:   args[0],
					Type:       appendType,
					Payload:    payload,
					Actor:      viper.GetString("user"),
					ActionType: actionType,
					Impact:     impact,
				})
				if err != nil {
					return err
				}
				if res.Blocked() {
					fmt.Printf("blocked: checkpoint %s pending approval (expires %s)\n", res.Checkpoint.ID, res.Checkpoint.ExpiresAt)
					return nil
				}
				return printJSON(res.Event)
			})
		},
	}
	appendCmd.Flags().StringVar(&appendType, "type", "", "event type")
	appendCmd.Flags().StringVar(&actionType, "action-type", "", "action type for gate evaluation")
	appendCmd.Flags().StringVar(&impact, "impact", "", "impact level (low, medium, high, critical)")
	appendCmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON payload")
	cmd.AddCommand(appendCmd)
	return cmd
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{Use: "decision", Short: "Record and list decisions"}
	var title, outcome, rationale string
	record := &cobra.Command{
		Use:   "record <thread-id>",
		Short: "Record a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" || outcome == "" {
				return fmt.Errorf("--title and --outcome required")
			}
			return withApp(func(ctx context.Context, a *app.Context) error {
				d, err := a.Ledger.RecordDecision(ctx, ledger.RecordDecisionOptions{
					IdentityID: a.Config.Identity.ID,
					ThreadID:   args[0],
					Title:      title,
					Outcome:    outcome,
					Rationale:  rationale,
					DecidedBy:  viper.GetString("user"),
				})
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	record.Flags().StringVar(&title, "title", "", "decision title")
	record.Flags().StringVar(&outcome, "outcome", "", "decision outcome")
	record.Flags().StringVar(&rationale, "rationale", "", "rationale")
	dec.AddCommand(record)

	var limit int
	list := &cobra.Command{
		Use:   "list <thread-id>",
		Short: "List decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				if _, err := a.Ledger.GetThread(ctx, a.Config.Identity.ID, args[0]); err != nil {
					return err
				}
				items, err := a.Ledger.Repo.ListDecisions(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max results")
	dec.AddCommand(list)
	return dec
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Manage actions"}
	var actionType, impact, title, assignee string
	create := &cobra.Command{
		Use:   "create <thread-id>",
		Short: "Create an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actionType == "" || title == "" {
				return fmt.Errorf("--type and --title required")
			}
			return withApp(func(ctx context.Context, a *app.Context) error {
				action, res, err := a.Ledger.CreateAction(ctx, ledger.CreateActionOptions{
					IdentityID: a.Config.Identity.ID,
					ThreadID:   args[0],
					ActionType: actionType,
					Impact:     impact,
					Title:      title,
					AssignedTo: assignee,
					Actor:      viper.GetString("user"),
				})
				if err != nil {
					return err
				}
				if res.Blocked() {
					fmt.Printf("blocked: checkpoint %s pending approval (expires %s)\n", res.Checkpoint.ID, res.Checkpoint.ExpiresAt)
					return nil
				}
				return printJSON(action)
			})
		},
	}
	create.Flags().StringVar(&actionType, "type", "", "action type")
	create.Flags().StringVar(&impact, "impact", "low", "impact level (low, medium, high, critical)")
	create.Flags().StringVar(&title, "title", "", "action title")
	create.Flags().StringVar(&assignee, "assignee", "", "assigned to")
	act.AddCommand(create)

	complete := &cobra.Command{
		Use:   "complete <action-id>",
		Short: "Complete an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				action, err := a.Ledger.CompleteAction(ctx, a.Config.Identity.ID, args[0], viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSON(action)
			})
		},
	}
	act.AddCommand(complete)

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list <thread-id>",
		Short: "List actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				if _, err := a.Ledger.GetThread(ctx, a.Config.Identity.ID, args[0]); err != nil {
					return err
				}
				items, err := a.Ledger.Repo.ListActions(ctx, args[0], status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Impact", "Status", "Assignee"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.ActionType, it.Title, it.Impact, it.Status, it.AssignedTo})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter (pending, completed)")
	list.Flags().IntVar(&limit, "limit", 50, "max results")
	act.AddCommand(list)
	return act
}

func snapshotCmd() *cobra.Command {
	snap := &cobra.Command{Use: "snapshot", Short: "Thread snapshots"}
	snap.AddCommand(&cobra.Command{
		Use:   "write <thread-id>",
		Short: "Write a summary snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				s, err := a.Ledger.Snapshot(ctx, a.Config.Identity.ID, args[0], viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	})
	snap.AddCommand(&cobra.Command{
		Use:   "show <thread-id>",
		Short: "Show the latest snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				if _, err := a.Ledger.GetThread(ctx, a.Config.Identity.ID, args[0]); err != nil {
					return err
				}
				s, err := a.Ledger.Repo.LatestSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	})
	return snap
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{Use: "checkpoint", Short: "Review pending checkpoints"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				items, err := a.Gate.List(ctx, a.Config.Identity.ID, status, "", limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := time.Now().UTC()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Impact", "Status", "Aging", "Expires"})
				for _, c := range items {
					aging := "-"
					if c.Status == "pending" {
						aging = gate.AgingStatus(c, now)
					}
					tw.AppendRow(table.Row{c.ID, c.ActionType, c.Impact, c.Status, aging, c.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter (pending, approved, rejected, expired)")
	list.Flags().IntVar(&limit, "limit", 50, "max results")
	cp.AddCommand(list)

	cp.AddCommand(&cobra.Command{
		Use:   "approve <checkpoint-id>",
		Short: "Approve a pending checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				c, err := a.Gate.Approve(ctx, a.Config.Identity.ID, args[0], viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	})

	var reason string
	reject := &cobra.Command{
		Use:   "reject <checkpoint-id>",
		Short: "Reject a pending checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				c, err := a.Gate.Reject(ctx, a.Config.Identity.ID, args[0], viper.GetString("user"), reason)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")
	cp.AddCommand(reject)
	return cp
}

func pointCmd() *cobra.Command {
	pt := &cobra.Command{Use: "point", Short: "Track open decision points"}
	var pointType string
	var activeOnly bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List decision points",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				items, err := a.Tracker.List(ctx, repo.PointFilters{
					IdentityID: a.Config.Identity.ID,
					PointType:  pointType,
					ActiveOnly: activeOnly,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Aging", "Reminders", "Active"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.PointType, truncate(p.Title, 40), p.AgingLevel, p.ReminderCount, p.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&pointType, "type", "", "point type filter")
	list.Flags().BoolVar(&activeOnly, "active", false, "active points only")
	list.Flags().IntVar(&limit, "limit", 50, "max results")
	pt.AddCommand(list)

	var response string
	respond := &cobra.Command{
		Use:   "respond <point-id> <VALIDATE|REDIRECT|REJECT|COMMENT|DEFER>",
		Short: "Respond to a decision point",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				p, err := a.Tracker.Respond(ctx, a.Config.Identity.ID, args[0], strings.ToUpper(args[1]), response)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	respond.Flags().StringVar(&response, "message", "", "response message")
	pt.AddCommand(respond)

	pt.AddCommand(&cobra.Command{
		Use:   "urgent",
		Short: "List red and blink points",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				items, err := a.Tracker.UrgentPoints(ctx, a.Config.Identity.ID)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})

	pt.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Active points per aging level",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				summary, err := a.Tracker.AgingSummary(ctx, a.Config.Identity.ID)
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	})

	pt.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run the aging sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				res, err := a.Tracker.RecomputeAging(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	})
	return pt
}

func signalCmd() *cobra.Command {
	sig := &cobra.Command{Use: "signal", Short: "Queue governance signals"}
	var level, criterion, origin string
	var confidence float64
	var scope []string
	push := &cobra.Command{
		Use:   "push",
		Short: "Queue a signal for the next decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if level == "" || criterion == "" {
				return fmt.Errorf("--level and --criterion required")
			}
			return withApp(func(ctx context.Context, a *app.Context) error {
				s := orchestrator.Signal{
					ID:         uuid.New().String(),
					Level:      strings.ToUpper(level),
					Criterion:  criterion,
					Scope:      scope,
					Confidence: confidence,
					Origin:     origin,
					ReceivedAt: time.Now().UTC().Format(time.RFC3339),
				}
				a.Orch.Inbox.Receive(s)
				return printJSON(s)
			})
		},
	}
	push.Flags().StringVar(&level, "level", "", "severity (WARN, CORRECT, PAUSE, BLOCK, ESCALATE)")
	push.Flags().StringVar(&criterion, "criterion", "", "violated criterion")
	push.Flags().StringVar(&origin, "origin", "cli", "signal origin")
	push.Flags().Float64Var(&confidence, "confidence", 0.5, "confidence in [0,1]")
	push.Flags().StringSliceVar(&scope, "scope", nil, "scoped segment/region/event ids")
	sig.AddCommand(push)
	return sig
}

func orchestrateCmd() *cobra.Command {
	orch := &cobra.Command{Use: "orchestrate", Short: "Run governance decisions"}

	var scoresJSON, mode string
	var cost float64
	var latency int
	decide := &cobra.Command{
		Use:   "decide <thread-id>",
		Short: "Make a governance decision for a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var scores orchestrator.SegmentScores
			if scoresJSON != "" {
				if err := json.Unmarshal([]byte(scoresJSON), &scores); err != nil {
					return fmt.Errorf("invalid --scores: %w", err)
				}
			}
			return withApp(func(ctx context.Context, a *app.Context) error {
				if _, err := a.Ledger.GetThread(ctx, a.Config.Identity.ID, args[0]); err != nil {
					return err
				}
				d := a.Orch.MakeDecision(args[0], scores, orchestrator.Budgets{
					CostRemaining:   cost,
					LatencyBudgetMS: latency,
					Mode:            strings.ToUpper(mode),
				}, viper.GetString("user"))
				_, _ = a.Ledger.Append(ctx, ledger.AppendOptions{
					IdentityID: a.Config.Identity.ID,
					ThreadID:   args[0],
					Type:       events.OrchDecisionMade,
					Payload:    events.Payload{"intervention": d.Intervention},
					Actor:      viper.GetString("user"),
				})
				return printJSON(d)
			})
		},
	}
	decide.Flags().StringVar(&scoresJSON, "scores", "", "segment scores as JSON")
	decide.Flags().StringVar(&mode, "mode", "ASYNC", "mode (LIVE, ASYNC)")
	decide.Flags().Float64Var(&cost, "cost", 10000, "cost budget")
	decide.Flags().IntVar(&latency, "latency", 60000, "latency budget in ms")
	orch.AddCommand(decide)

	var contentType, file string
	segments := &cobra.Command{
		Use:   "segments <thread-id>",
		Short: "Segment a content blob and decide per segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.Context) error {
				if _, err := a.Ledger.GetThread(ctx, a.Config.Identity.ID, args[0]); err != nil {
					return err
				}
				decisions := a.Orch.ProcessSegmentBatch(args[0], string(data), contentType, orchestrator.Budgets{
					CostRemaining:   cost,
					LatencyBudgetMS: latency,
					Mode:            strings.ToUpper(mode),
				}, viper.GetString("user"))
				return printJSON(decisions)
			})
		},
	}
	segments.Flags().StringVar(&contentType, "content-type", "document", "content type (document, code, workflow, spatial)")
	segments.Flags().StringVar(&file, "file", "", "content file")
	segments.Flags().StringVar(&mode, "mode", "ASYNC", "mode (LIVE, ASYNC)")
	segments.Flags().Float64Var(&cost, "cost", 10000, "cost budget")
	segments.Flags().IntVar(&latency, "latency", 60000, "latency budget in ms")
	orch.AddCommand(segments)
	return orch
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:         uuid.New().String(),
					IdentityID: a.Config.Identity.ID,
					UserID:     viper.GetString("user"),
					Name:       name,
					KeyHash:    repo.HashAPIKey(raw),
				}
				if err := a.Ledger.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("api key (save it now, it is not stored): %s\n", raw)
				return printJSON(key)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")
	ak.AddCommand(create)

	ak.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				items, err := a.Ledger.Repo.ListAPIKeys(ctx, a.Config.Identity.ID)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})

	ak.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.Context) error {
				return a.Ledger.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweepInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace, viper.GetString("identity"))
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("THREADLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("THREADLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Ledger:   a.Ledger,
				Tracker:  a.Tracker,
				Orch:     a.Orch,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			startSweeper(cmd.Context(), a.Tracker, sweepInterval)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Threadline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 10*time.Minute, "aging sweep interval")
	return cmd
}

// startSweeper runs the periodic decision point aging sweep alongside the
// server.
func startSweeper(ctx context.Context, tr tracker.Tracker, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := tr.RecomputeAging(context.Background()); err != nil {
					fmt.Println("sweep error:", err)
				}
			}
		}
	}()
}

// --- helpers ---

func withApp(fn func(context.Context, *app.Context) error) error {
	workspace := viper.GetString("workspace")
	a, err := app.Open(workspace, viper.GetString("identity"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
