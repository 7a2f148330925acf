package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var tenantIDStr string

	cmd := &cobra.Command{
		Use:   "status DOCUMENT_ID",
		Short: "Show a document's processing status",
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

			status, err := a.ingest.Status(cmd.Context(), tenantID, documentID)
			if err != nil {
				return err
			}

			doc := status.Document
			cmd.Printf("document: %s  (%s)\n", doc.ID, doc.Filename)
			cmd.Printf("status:   %s\n", doc.Status)
			cmd.Printf("chunks:   %d/%d embedded\n", status.EmbeddedChunks, status.TotalChunks)
			for _, stage := range status.Stages {
				line := fmt.Sprintf("  %-8s %s", stage.Kind, stage.Status)
				if stage.RetryCount > 0 {
					line += fmt.Sprintf("  retries=%d", stage.RetryCount)
				}
				if stage.ErrorMessage != "" {
					line += "  error=" + stage.ErrorMessage
				}
				cmd.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantIDStr, "tenant", "", "Tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
