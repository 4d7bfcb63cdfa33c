package cli

import (
	"errors"
	"fmt"

	"github.com/3lC4pt41n/ai-org-prototype/internal/config"
	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(newTenantAddCmd())
	cmd.AddCommand(newTenantListCmd())
	cmd.AddCommand(newTenantShowCmd())
	cmd.AddCommand(newTenantCreditCmd())
	cmd.AddCommand(newTenantDeactivateCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (store.Store, error) {
	home := config.MustHomeFrom(cmd.Context())
	return store.Open(home)
}

func newTenantAddCmd() *cobra.Command {
	var name string
	var balance float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a tenant with a starting budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			if balance < 0 {
				return errors.New("--balance must not be negative")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := st.CreateTenant(cmd.Context(), name, balance)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created tenant %q (%s) with budget $%.2f\n", t.Name, t.TenantID, t.Balance)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Tenant name")
	cmd.Flags().Float64Var(&balance, "balance", models.DefaultBudgetUSD, "Starting budget in USD")
	return cmd
}

func newTenantListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tenants, err := st.ListTenants(cmd.Context())
			if err != nil {
				return err
			}
			if len(tenants) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tenants.")
				return nil
			}
			for _, t := range tenants {
				state := color.GreenString("active")
				if !t.IsActive {
					state = color.RedString("inactive")
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s  %s  $%.2f  %s\n", t.TenantID, t.Name, t.Balance, state)
			}
			return nil
		},
	}
	return cmd
}

func newTenantShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := st.GetTenant(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Tenant:  %s (%s)\n", t.Name, t.TenantID)
			_, _ = fmt.Fprintf(out, "Budget:  $%.2f\n", t.Balance)
			_, _ = fmt.Fprintf(out, "Active:  %v\n", t.IsActive)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Tenant ID")
	return cmd
}

func newTenantCreditCmd() *cobra.Command {
	var id string
	var amount float64
	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Add budget to a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			if amount <= 0 {
				return errors.New("--amount must be positive")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			// Reject unknown tenants up front; AdjustTenantBalance would too,
			// but this gives a clearer error.
			if _, err := st.GetTenant(cmd.Context(), id); err != nil {
				return err
			}
			before, after, err := st.AdjustTenantBalance(cmd.Context(), id, amount)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Credited $%.2f: balance $%.2f -> $%.2f\n", amount, before, after)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Tenant ID")
	cmd.Flags().Float64Var(&amount, "amount", 0, "Amount in USD")
	return cmd
}

func newTenantDeactivateCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Deactivate a tenant (scheduler stops picking up its tasks)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.SetTenantActive(cmd.Context(), id, false); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deactivated tenant %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Tenant ID")
	return cmd
}
