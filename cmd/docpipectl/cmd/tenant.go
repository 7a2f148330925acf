package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(newTenantCreateCmd(), newTenantListCmd(), newTenantDeleteCmd())
	return cmd
}

func newTenantCreateCmd() *cobra.Command {
	var rateLimit int

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a tenant and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.tenants.CreateTenant(cmd.Context(), args[0], rateLimit)
			if err != nil {
				return err
			}

			cmd.Printf("tenant_id: %s\n", result.Tenant.ID)
			cmd.Printf("name:      %s\n", result.Tenant.Name)
			cmd.Printf("api_key:   %s\n", result.APIKey)
			cmd.Println("The API key is shown only once. Store it now.")
			return nil
		},
	}

	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per minute (0 uses the default)")
	return cmd
}

func newTenantListCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			tenants, total, err := a.tenants.ListTenants(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			for _, t := range tenants {
				cmd.Printf("%s  %-30s rate_limit=%d\n", t.ID, t.Name, t.RateLimit)
			}
			cmd.Printf("%d of %d tenants\n", len(tenants), total)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

func newTenantDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete TENANT_ID",
		Short: "Delete a tenant and all of its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.tenants.DeleteTenant(cmd.Context(), tenantID); err != nil {
				return err
			}
			cmd.Printf("deleted tenant %s\n", tenantID)
			return nil
		},
	}
}
