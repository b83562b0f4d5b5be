package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"complyline/internal/app"
	"complyline/internal/config"
	"complyline/internal/db"
	"complyline/internal/domain"
	"complyline/internal/engine"
	"complyline/internal/migrate"
	"complyline/internal/repo"
	"complyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Complyline CLI",
	Long: `Complyline turns airworthiness directives into tracked, signed-off and audited fleet work.
Core concepts:
- Workspace: the .complyline directory holding the database; the active config lives in the database and is imported explicitly.
- Regulatory update: one AD or service bulletin; it moves new -> parsing -> analyzing -> implementing -> testing -> pending_approval -> deployed -> audited, or is cancelled.
- Work order: one per affected aircraft; pending -> in_progress -> completed (cancelled is the exit).
- Approvals: one per governance role per work order; every role must approve every live work order before deployment.
- Audit package: evidence and sign-offs compiled once all work is done; exported as a content-addressed manifest.
- Event log: every change, view with 'cl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COMPLYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	envFile := filepath.Join(viper.GetString("workspace"), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", envFile, err)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("operator-id", "", "operator id used when seeding a default config")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("operator-id", rootCmd.PersistentFlags().Lookup("operator-id"))
}

func registerCommands() {
	rootCmd.AddCommand(fleetCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(workOrderCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(approverCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- fleet ---

func fleetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Manage aircraft",
	}
	cmd.AddCommand(fleetListCmd(), fleetAddCmd(), fleetRemoveCmd())
	return cmd
}

func fleetListCmd() *cobra.Command {
	var acType, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List aircraft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				fleet, err := rt.Engine.Repo.ListAircraft(ctx, repo.AircraftFilters{Type: acType, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fleet)
				}
				rows := make([]table.Row, 0, len(fleet))
				for _, a := range fleet {
					rows = append(rows, table.Row{a.ID, a.Registration, a.Type, a.Status, a.FlightHours, a.Cycles, deref(a.NextDue)})
				}
				printTable(table.Row{"ID", "Registration", "Type", "Status", "Hours", "Cycles", "Next due"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&acType, "type", "", "aircraft type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func fleetAddCmd() *cobra.Command {
	var in engine.AircraftInput
	var lastMaintenance, nextDue string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an aircraft",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ActorID = viper.GetString("actor-id")
			in.LastMaintenance = optionalString(lastMaintenance)
			in.NextDue = optionalString(nextDue)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Orchestrator.RegisterAircraft(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "aircraft id (defaults to a new uuid)")
	cmd.Flags().StringVar(&in.Registration, "registration", "", "registration mark")
	cmd.Flags().StringVar(&in.Type, "type", "", "aircraft type, e.g. B737-800")
	cmd.Flags().StringVar(&in.SerialNumber, "serial", "", "manufacturer serial number")
	cmd.Flags().StringVar(&in.Status, "status", "", "initial status")
	cmd.Flags().Float64Var(&in.FlightHours, "flight-hours", 0, "flight hours")
	cmd.Flags().IntVar(&in.Cycles, "cycles", 0, "flight cycles")
	cmd.Flags().StringVar(&lastMaintenance, "last-maintenance", "", "last maintenance date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&nextDue, "next-due", "", "next maintenance due date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("registration")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("serial")
	return cmd
}

func fleetRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an aircraft with no open work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Orchestrator.DeleteAircraft(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Removed aircraft %s\n", args[0])
				return nil
			})
		},
	}
}

// --- updates ---

func updateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "update",
		Aliases: []string{"ad"},
		Short:   "Ingest and track regulatory updates",
	}
	cmd.AddCommand(
		updateIngestCmd(),
		updateListCmd(),
		updateShowCmd(),
		updateProcessCmd(),
		updateProcessAllCmd(),
		updateAdvanceCmd(),
		updateCancelCmd(),
		updateAttachCmd(),
		updateGateCmd(),
	)
	return cmd
}

func updateIngestCmd() *cobra.Command {
	var in engine.UpdateInput
	var published, filePath string
	var process bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Create or revise an update by AD number",
		Long:  "Ingest one update from flags, or a JSON array of updates with --file. An AD number that already exists is revised in place.",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			var inputs []engine.UpdateInput
			if filePath != "" {
				data, err := os.ReadFile(filePath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &inputs); err != nil {
					return fmt.Errorf("parse %s: %w", filePath, err)
				}
			} else {
				in.PublishedDate = optionalString(published)
				inputs = append(inputs, in)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				out := make([]domain.RegulatoryUpdate, 0, len(inputs))
				for _, input := range inputs {
					input.ActorID = actor
					u, created, err := rt.Orchestrator.CreateOrUpdateRegulatoryUpdate(ctx, input)
					if err != nil {
						return fmt.Errorf("%s: %w", input.ADNumber, err)
					}
					if process {
						if u, err = rt.Orchestrator.Process(ctx, u.ID); err != nil {
							return fmt.Errorf("%s: %w", input.ADNumber, err)
						}
					}
					if !viper.GetBool("json") {
						verb := "Revised"
						if created {
							verb = "Created"
						}
						fmt.Printf("%s %s (%s) status=%s revision=%d\n", verb, u.ADNumber, u.ID, u.Status, u.Revision)
					}
					out = append(out, u)
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.ADNumber, "ad-number", "", "AD or bulletin number")
	cmd.Flags().StringVar(&in.Source, "source", "", "issuing authority, e.g. FAA or EASA")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.AircraftType, "aircraft-type", "", "affected aircraft type")
	cmd.Flags().StringVar(&in.MandatoryAction, "action", "", "mandatory action text")
	cmd.Flags().StringVar(&in.ComplianceDeadline, "deadline", "", "compliance deadline (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.Priority, "priority", "medium", "critical, high, medium or low")
	cmd.Flags().StringVar(&published, "published", "", "published date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.OriginalRef, "ref", "", "link or reference to the source document")
	cmd.Flags().StringVar(&filePath, "file", "", "JSON array of updates")
	cmd.Flags().BoolVar(&process, "process", false, "run ingestion and impact analysis immediately")
	return cmd
}

func updateListCmd() *cobra.Command {
	var f repo.UpdateFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				updates, err := rt.Engine.Repo.ListUpdates(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(updates)
				}
				rows := make([]table.Row, 0, len(updates))
				for _, u := range updates {
					rows = append(rows, table.Row{u.ID, u.ADNumber, u.Source, u.Priority, u.Status, u.AffectedAircraft, u.ComplianceDeadline})
				}
				printTable(table.Row{"ID", "AD", "Source", "Priority", "Status", "Affected", "Deadline"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Source, "source", "", "source filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AircraftType, "aircraft-type", "", "aircraft type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func updateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an update with its requirement and work orders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.Repo.GetUpdate(ctx, args[0])
				if err != nil {
					return err
				}
				req, err := rt.Engine.Repo.GetRequirement(ctx, u.ID)
				if err != nil {
					return err
				}
				wos, err := rt.Engine.Repo.ListWorkOrders(ctx, repo.WorkOrderFilters{UpdateID: u.ID})
				if err != nil {
					return err
				}
				out := map[string]any{
					"update":      u,
					"requirement": req,
					"next_status": engine.NextStatus(u.Status),
					"work_orders": wos,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("%s %s [%s] rev %d\n", u.ADNumber, u.Title, u.Status, u.Revision)
				fmt.Printf("Source: %s  Priority: %s  Deadline: %s  Type: %s\n", u.Source, u.Priority, u.ComplianceDeadline, u.AircraftType)
				if u.MandatoryAction != "" {
					fmt.Printf("Action: %s\n", u.MandatoryAction)
				}
				if len(wos) == 0 {
					return nil
				}
				rows := make([]table.Row, 0, len(wos))
				for _, w := range wos {
					rows = append(rows, table.Row{w.ID, w.Registration, w.Status, w.Priority, w.Cycle, w.DueDate})
				}
				printTable(table.Row{"Work order", "Aircraft", "Status", "Priority", "Cycle", "Due"}, rows)
				return nil
			})
		},
	}
}

func updateProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <id>",
		Short: "Run ingestion and impact analysis for an update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Orchestrator.Process(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func updateProcessAllCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "process-all",
		Short: "Process every update waiting on ingestion or analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				results, err := rt.Orchestrator.ProcessAll(ctx, concurrency)
				if viper.GetBool("json") {
					if perr := printJSON(results); perr != nil {
						return perr
					}
					return err
				}
				rows := make([]table.Row, 0, len(results))
				for _, r := range results {
					rows = append(rows, table.Row{r.UpdateID, r.ADNumber, r.Status, r.Error})
				}
				printTable(table.Row{"ID", "AD", "Status", "Error"}, rows)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "updates processed at once")
	return cmd
}

func updateAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance an update as far as its guards allow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Orchestrator.Advance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func updateCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an update and moot its open approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Orchestrator.CancelUpdate(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func updateAttachCmd() *cobra.Command {
	var in engine.DocumentInput
	var workOrderID string
	cmd := &cobra.Command{
		Use:   "attach <id>",
		Short: "Attach an evidence document to an update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.UpdateID = args[0]
			in.WorkOrderID = optionalString(workOrderID)
			in.ActorID = viper.GetString("actor-id")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				added, err := rt.Orchestrator.AttachDocument(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]bool{"added": added})
				}
				if added {
					fmt.Printf("Attached %s %s\n", in.Kind, in.Ref)
				} else {
					fmt.Printf("%s %s already attached\n", in.Kind, in.Ref)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Kind, "kind", "", "document kind")
	cmd.Flags().StringVar(&in.Ref, "ref", "", "document reference or URI")
	cmd.Flags().StringVar(&workOrderID, "work-order", "", "work order the document belongs to")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func updateGateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gate <id>",
		Short: "Show approval gate progress for an update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				g, err := rt.Engine.GateStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("Gate for %s: %d/%d approved, %d pending, %d rejected (satisfied=%t)\n",
					g.UpdateID, g.Approved, g.Required, g.Pending, g.Rejected, g.Satisfied)
				for _, m := range g.Missing {
					fmt.Printf("  missing: %s\n", m)
				}
				return nil
			})
		},
	}
}

// --- work orders ---

func workOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workorder",
		Aliases: []string{"wo"},
		Short:   "Plan and execute work orders",
	}
	cmd.AddCommand(
		workOrderListCmd(),
		workOrderPlanCmd(),
		workOrderStartCmd(),
		workOrderCompleteCmd(),
		workOrderCancelCmd(),
		workOrderResubmitCmd(),
	)
	return cmd
}

func workOrderListCmd() *cobra.Command {
	var f repo.WorkOrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				wos, err := rt.Engine.Repo.ListWorkOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(wos)
				}
				rows := make([]table.Row, 0, len(wos))
				for _, w := range wos {
					rows = append(rows, table.Row{w.ID, w.ADNumber, w.Registration, w.Status, w.Priority, deref(w.AssignedTeam), w.DueDate})
				}
				printTable(table.Row{"ID", "AD", "Aircraft", "Status", "Priority", "Team", "Due"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UpdateID, "update", "", "update id filter")
	cmd.Flags().StringVar(&f.AircraftID, "aircraft", "", "aircraft id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Team, "team", "", "assigned team filter")
	return cmd
}

func workOrderPlanCmd() *cobra.Command {
	var team, scheduled, priority, downtime string
	var parts []string
	cmd := &cobra.Command{
		Use:   "plan <id>",
		Short: "Assign a team, schedule or parts to a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := engine.WorkOrderPlan{
				ID:                args[0],
				AssignedTeam:      optionalString(team),
				ScheduledDate:     optionalString(scheduled),
				PriorityOverride:  optionalString(priority),
				EstimatedDowntime: optionalString(downtime),
				Parts:             parts,
				ActorID:           viper.GetString("actor-id"),
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, err := rt.Orchestrator.PlanWorkOrder(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "assigned team")
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "scheduled date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority override")
	cmd.Flags().StringVar(&downtime, "downtime", "", "estimated downtime, e.g. 6h")
	cmd.Flags().StringSliceVar(&parts, "part", nil, "required part number (repeatable)")
	return cmd
}

func workOrderStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start work; the aircraft goes into maintenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, err := rt.Orchestrator.StartWork(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func workOrderCompleteCmd() *cobra.Command {
	var certificate string
	var hours float64
	var cycles int
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete work and return the aircraft to service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := engine.WorkCompletion{
				WorkOrderID:    args[0],
				CertificateRef: certificate,
				ActorID:        viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("flight-hours") {
				c.FlightHours = &hours
			}
			if cmd.Flags().Changed("cycles") {
				c.Cycles = &cycles
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, err := rt.Orchestrator.OnWorkCompleted(ctx, c)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&certificate, "certificate", "", "completion certificate reference")
	cmd.Flags().Float64Var(&hours, "flight-hours", 0, "flight hours at completion")
	cmd.Flags().IntVar(&cycles, "cycles", 0, "cycles at completion")
	return cmd
}

func workOrderCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, err := rt.Orchestrator.CancelWorkOrder(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func workOrderResubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Reopen a rejected work order for a new approval cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, approvals, err := rt.Orchestrator.ResubmitWorkOrder(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"work_order": w, "approvals": approvals})
			})
		},
	}
}

// --- approvals ---

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Review and decide approvals",
	}
	cmd.AddCommand(approvalListCmd(), approvalDecideCmd("approve", domain.ApprovalApproved), approvalDecideCmd("reject", domain.ApprovalRejected))
	return cmd
}

func approvalListCmd() *cobra.Command {
	var f repo.ApprovalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				approvals, err := rt.Engine.Repo.ListApprovals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(approvals)
				}
				rows := make([]table.Row, 0, len(approvals))
				for _, a := range approvals {
					rows = append(rows, table.Row{a.ID, a.WorkOrderID, a.Role, a.Cycle, a.Status, deref(a.Approver)})
				}
				printTable(table.Row{"ID", "Work order", "Role", "Cycle", "Status", "Approver"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UpdateID, "update", "", "update id filter")
	cmd.Flags().StringVar(&f.WorkOrderID, "work-order", "", "work order id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	cmd.Flags().BoolVar(&f.CurrentOnly, "current", false, "only the current approval cycle")
	return cmd
}

func approvalDecideCmd(use, decision string) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   use + " <approval-id>",
		Short: fmt.Sprintf("Record an %s decision as the current actor", decision),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := engine.Decision{
				ApprovalID: args[0],
				Decision:   decision,
				Approver:   viper.GetString("actor-id"),
				Comment:    optionalString(comment),
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Orchestrator.SubmitApproval(ctx, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compile and export audit packages",
	}
	cmd.AddCommand(auditListCmd(), auditEvaluateCmd(), auditExportCmd(), auditManifestCmd())
	return cmd
}

func auditListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				pkgs, err := rt.Engine.Repo.ListPackages(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pkgs)
				}
				rows := make([]table.Row, 0, len(pkgs))
				for _, p := range pkgs {
					rows = append(rows, table.Row{p.ID, p.ADNumber, p.Status, fmt.Sprintf("%d/%d", p.Signoffs, p.TotalSignoffs), strings.Join(p.MissingKinds, ","), deref(p.ArtifactURI)})
				}
				printTable(table.Row{"ID", "AD", "Status", "Sign-offs", "Missing", "Artifact"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "compiling, ready or exported")
	return cmd
}

func auditEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <update-id>",
		Short: "Recompute readiness of an update's audit package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Orchestrator.EvaluateAudit(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func auditExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <package-id>",
		Short: "Export a ready audit package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ref, err := rt.Orchestrator.ExportAudit(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ref)
				}
				fmt.Printf("Exported %s\n  uri: %s\n  sha256: %s (%d bytes)\n", ref.PackageID, ref.URI, ref.Digest, ref.Size)
				return nil
			})
		},
	}
}

func auditManifestCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "manifest <package-id>",
		Short: "Write an exported package manifest to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				data, err := rt.Engine.Repo.PackageManifest(ctx, args[0])
				if err != nil {
					return err
				}
				if out == "" {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file")
	return cmd
}

// --- approvers ---

func approverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approver",
		Short: "Manage who may sign for each governance role",
	}
	cmd.AddCommand(approverListCmd(), approverGrantCmd(), approverRevokeCmd(), approverWhoamiCmd())
	return cmd
}

func approverListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approver grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				grants, err := rt.Engine.Repo.ListApproverGrants(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				rows := make([]table.Row, 0, len(grants))
				for _, g := range grants {
					rows = append(rows, table.Row{g.ActorID, g.Role, g.GrantedBy, g.GrantedAt})
				}
				printTable(table.Row{"Actor", "Role", "Granted by", "Granted at"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func approverGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant an actor authority for a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				g, err := rt.Orchestrator.GrantApprover(ctx, target, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "governance role")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func approverRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an actor's authority for a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Orchestrator.RevokeApprover(ctx, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "governance role")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func approverWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the roles the current actor may sign for",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				roles, err := rt.Engine.Auth.ActorRoles(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": actor, "roles": roles})
			})
		},
	}
}

// --- api keys ---

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	cmd.AddCommand(apiKeyCreateCmd(), apiKeyListCmd(), apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			secret := "cl_" + hex.EncodeToString(buf)
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("Created key %s for %s\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				printTable(table.Row{"ID", "Actor", "Name", "Created"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and import the operator config",
	}
	cmd.AddCommand(configShowCmd(), configImportCmd(), configValidateCmd(), configInitCmd(), configUseCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if viper.GetBool("json") {
					return printJSON(rt.Config)
				}
				data, err := rt.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a YAML config as the active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.PutConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Printf("Imported config for operator %s\n", cfg.Operator.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a YAML config without importing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(filePath); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", filePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to the workspace complyline.yml)")
	return cmd
}

func configInitCmd() *cobra.Command {
	var operatorID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default complyline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if operatorID == "" {
				operatorID = viper.GetString("operator-id")
			}
			if operatorID == "" {
				operatorID = "local-operator"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(operatorID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&operatorID, "operator", "", "operator id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use-operator <id>",
		Short: "Persist the default operator id in the workspace .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envFile := filepath.Join(viper.GetString("workspace"), ".env")
			env, err := godotenv.Read(envFile)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if env == nil {
				env = map[string]string{}
			}
			env["COMPLYLINE_OPERATOR_ID"] = args[0]
			if err := godotenv.Write(env, envFile); err != nil {
				return err
			}
			fmt.Printf("Set COMPLYLINE_OPERATOR_ID=%s in %s\n", args[0], envFile)
			return nil
		},
	}
}

// --- monitoring ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show compliance stats and the update pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				stats, err := rt.Engine.Stats(ctx)
				if err != nil {
					return err
				}
				stages, err := rt.Engine.Pipeline(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"operator_id": rt.Config.Operator.ID, "stats": stats, "pipeline": stages})
				}
				fmt.Printf("Operator: %s\n", rt.Config.Operator.ID)
				fmt.Printf("ADs: %d total, %d pending, %d completed this month (compliance %.1f%%)\n",
					stats.TotalADs, stats.PendingCompliance, stats.CompletedThisMonth, stats.ComplianceRate)
				fmt.Printf("Fleet: %d aircraft, %d operational\n", stats.FleetSize, stats.OperationalAircraft)
				fmt.Printf("Open: %d work orders, %d approvals, %d packages ready\n",
					stats.PendingWorkOrders, stats.PendingApprovals, stats.AuditPackagesReady)
				rows := make([]table.Row, 0, len(stages))
				for _, s := range stages {
					rows = append(rows, table.Row{s.Status, s.Count})
				}
				printTable(table.Row{"Stage", "Updates"}, rows)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				rows := make([]table.Row, 0, len(events))
				for _, e := range events {
					rows = append(rows, table.Row{e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID})
				}
				printTable(table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.UpdateID, "update", "", "update id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("COMPLYLINE_JWT_SECRET"),
					AllowLegacyActorHeader: viper.GetBool("allow-actor-header"),
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
					rt.Logger.Warn().Msg("COMPLYLINE_JWT_SECRET not set; only API keys will authenticate")
				}
				handler, err := server.New(server.Config{
					Orchestrator: rt.Orchestrator,
					BasePath:     basePath,
					Auth:         authCfg,
					Logger:       &rt.Logger,
					Metrics:      rt.Metrics,
					RateLimit: server.RateLimitConfig{
						RPS:   rt.Config.Server.RateLimit.RPS,
						Burst: rt.Config.Server.RateLimit.Burst,
					},
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, rt.Engine.Repo, rt.Config, rt.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving complyline API (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().Bool("allow-actor-header", false, "accept X-Actor-Id without a token (development only)")
	_ = viper.BindPFlag("allow-actor-header", cmd.Flags().Lookup("allow-actor-header"))
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Bootstrap(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		OperatorID: viper.GetString("operator-id"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func printTable(header table.Row, rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
