package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/docpipe/docpipe/internal/repository"
)

func newDocumentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "document",
		Short: "Manage documents",
	}
	cmd.AddCommand(newDocumentListCmd(), newDocumentDeleteCmd())
	return cmd
}

func newDocumentListCmd() *cobra.Command {
	var (
		tenantIDStr string
		status      string
		limit       int
		offset      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := uuid.Parse(tenantIDStr)
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			docs, total, err := a.ingest.ListDocuments(cmd.Context(), tenantID,
				repository.DocumentStatus(status), limit, offset)
			if err != nil {
				return err
			}

			for _, doc := range docs {
				cmd.Printf("%s  %-10s %s\n", doc.ID, doc.Status, doc.Filename)
			}
			cmd.Printf("%d of %d documents\n", len(docs), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantIDStr, "tenant", "", "Tenant id (required)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending|processing|completed|failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newDocumentDeleteCmd() *cobra.Command {
	var tenantIDStr string

	cmd := &cobra.Command{
		Use:   "delete DOCUMENT_ID",
		Short: "Delete a document and its derived data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(tenantIDStr)
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			documentID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid document id: %w", err)
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ingest.DeleteDocument(cmd.Context(), tenantID, documentID); err != nil {
				return err
			}
			cmd.Printf("deleted document %s\n", documentID)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantIDStr, "tenant", "", "Tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
