package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3lC4pt41n/ai-org-prototype/internal/budget"
	"github.com/3lC4pt41n/ai-org-prototype/internal/config"
	"github.com/3lC4pt41n/ai-org-prototype/internal/graph"
	"github.com/3lC4pt41n/ai-org-prototype/internal/repo"
	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskCompleteCmd())
	cmd.AddCommand(newTaskFailCmd())
	cmd.AddCommand(newTaskCancelCmd())
	cmd.AddCommand(newTaskRequeueCmd())
	return cmd
}

// openRepo wires a store-backed repo with the ledger so token updates settle
// against the tenant budget, same as the daemon does.
func openRepo(cmd *cobra.Command) (*repo.Repo, store.Store, error) {
	home := config.MustHomeFrom(cmd.Context())
	st, err := store.Open(home)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(home)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	r := repo.New(st, graph.NewMemory(),
		repo.WithLedger(budget.NewStoreLedger(st), budget.Pricing{PerKTokens: cfg.PricePerKTokens}))
	return r, st, nil
}

func statusString(status string) string {
	switch status {
	case models.StatusDone:
		return color.GreenString(status)
	case models.StatusDoing:
		return color.CyanString(status)
	case models.StatusFailed, models.StatusBudgetExceeded:
		return color.RedString(status)
	case models.StatusCancelled:
		return color.HiBlackString(status)
	default:
		return status
	}
}

func newTaskAddCmd() *cobra.Command {
	var (
		tenant      string
		purposeID   string
		description string
		value       float64
		tokens      int64
		relevance   float64
		dependsOn   []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task (optionally behind prerequisites)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" || description == "" {
				return errors.New("--tenant and --description are required")
			}
			r, st, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var pid *string
			if purposeID != "" {
				pid = &purposeID
			}
			m := models.TaskMetrics{BusinessValue: value, TokensPlan: tokens, PurposeRelevance: relevance}
			t, err := r.AddTask(cmd.Context(), tenant, pid, description, m, dependsOn, models.DepOriginManual)
			if err != nil {
				if errors.Is(err, repo.ErrDanglingEdge) {
					return fmt.Errorf("unknown prerequisite in --depends-on: %w", err)
				}
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", t.TaskID)
			if len(dependsOn) > 0 {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Depends on: %s\n", strings.Join(dependsOn, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant ID")
	cmd.Flags().StringVar(&purposeID, "purpose", "", "Purpose ID (optional)")
	cmd.Flags().StringVar(&description, "description", "", "What the task should accomplish")
	cmd.Flags().Float64Var(&value, "value", 1, "Business value (0-10)")
	cmd.Flags().Int64Var(&tokens, "tokens", 500, "Planned token budget")
	cmd.Flags().Float64Var(&relevance, "relevance", 0.5, "Purpose relevance (0-1)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Prerequisite task IDs")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var tenant, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks of a tenant (newest first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return errors.New("--tenant is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var tasks []models.Task
			if status != "" {
				tasks, err = st.ListTasksByStatus(cmd.Context(), tenant, status, limit)
			} else {
				tasks, err = st.ListTasks(cmd.Context(), tenant, limit)
			}
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			for _, t := range tasks {
				owner := ""
				if t.Owner != nil && *t.Owner != "" {
					owner = "  @" + *t.Owner
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s  [%s]%s  %s\n", t.TaskID, statusString(t.Status), owner, t.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max tasks to list")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one task with its dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := st.GetTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Task:      %s\n", t.TaskID)
			_, _ = fmt.Fprintf(out, "Tenant:    %s\n", t.TenantID)
			_, _ = fmt.Fprintf(out, "Status:    %s\n", statusString(t.Status))
			_, _ = fmt.Fprintf(out, "Describe:  %s\n", t.Description)
			_, _ = fmt.Fprintf(out, "Value:     %.1f  relevance %.2f\n", t.BusinessValue, t.PurposeRelevance)
			_, _ = fmt.Fprintf(out, "Tokens:    plan %d, actual %d\n", t.TokensPlan, t.TokensActual)
			if t.Owner != nil && *t.Owner != "" {
				_, _ = fmt.Fprintf(out, "Owner:     %s\n", *t.Owner)
			}
			if t.Retries > 0 {
				_, _ = fmt.Fprintf(out, "Retries:   %d\n", t.Retries)
			}
			if t.Notes != "" {
				_, _ = fmt.Fprintf(out, "Notes:     %s\n", t.Notes)
			}

			deps, err := st.DependenciesOf(cmd.Context(), t.TaskID)
			if err != nil {
				return err
			}
			for _, d := range deps {
				_, _ = fmt.Fprintf(out, "After:     %s (%s)\n", d.FromTaskID, d.Kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Task ID")
	return cmd
}

func newTaskCompleteCmd() *cobra.Command {
	var id string
	var tokensActual int64
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Mark a task done, settling actual token spend against the budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			r, st, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			done := models.StatusDone
			ch := store.TaskChanges{Status: &done}
			if tokensActual > 0 {
				ch.TokensActual = &tokensActual
			}
			t, err := r.Update(cmd.Context(), id, ch)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s marked done (tokens %d)\n", t.TaskID, t.TokensActual)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Task ID")
	cmd.Flags().Int64Var(&tokensActual, "tokens", 0, "Actual tokens consumed (charged to the tenant budget)")
	return cmd
}

func newTaskFailCmd() *cobra.Command {
	var id, reason string
	cmd := &cobra.Command{
		Use:   "fail",
		Short: "Mark a task failed (eligible for the retry sweep)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			r, st, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			failed := models.StatusFailed
			ch := store.TaskChanges{Status: &failed}
			if reason != "" {
				ch.Notes = &reason
			}
			if _, err := r.Update(cmd.Context(), id, ch); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s marked failed\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Task ID")
	cmd.Flags().StringVar(&reason, "reason", "", "Failure note")
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a task (terminal status)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			r, st, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			cancelled := models.StatusCancelled
			if _, err := r.Update(cmd.Context(), id, store.TaskChanges{Status: &cancelled}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Task ID")
	return cmd
}

func newTaskRequeueCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Requeue a task (set status to todo, clear owner)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			r, st, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			todo := models.StatusTodo
			owner := ""
			if _, err := r.Update(cmd.Context(), id, store.TaskChanges{Status: &todo, Owner: &owner}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Requeued task %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Task ID")
	return cmd
}
