package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newPurposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purpose",
		Short: "Manage purposes (projects under a tenant)",
	}
	cmd.AddCommand(newPurposeAddCmd())
	cmd.AddCommand(newPurposeListCmd())
	return cmd
}

func newPurposeAddCmd() *cobra.Command {
	var tenant, name, description string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a purpose",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" || name == "" {
				return errors.New("--tenant and --name are required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			p, err := st.CreatePurpose(cmd.Context(), tenant, name, description)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created purpose %q (%s)\n", p.Name, p.PurposeID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant ID")
	cmd.Flags().StringVar(&name, "name", "", "Purpose name")
	cmd.Flags().StringVar(&description, "description", "", "Optional description")
	return cmd
}

func newPurposeListCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List purposes of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return errors.New("--tenant is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			purposes, err := st.ListPurposes(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			if len(purposes) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No purposes.")
				return nil
			}
			for _, p := range purposes {
				desc := ""
				if p.Description != nil {
					desc = ": " + *p.Description
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s  %s%s\n", p.PurposeID, p.Name, desc)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant ID")
	return cmd
}
