package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/docpipe/docpipe/internal/service"
)

func newUploadCmd() *cobra.Command {
	var (
		tenantIDStr string
		priority    float64
	)

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload one or more files for ingestion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(tenantIDStr)
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}

			reqs := make([]*service.UploadRequest, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				reqs = append(reqs, &service.UploadRequest{
					Filename: filepath.Base(path),
					Data:     data,
					Priority: priority,
				})
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if len(reqs) == 1 {
				doc, err := a.ingest.Upload(cmd.Context(), tenantID, reqs[0])
				if err != nil {
					return err
				}
				cmd.Printf("document_id: %s  status: %s\n", doc.ID, doc.Status)
				return nil
			}

			items, err := a.ingest.BulkUpload(cmd.Context(), tenantID, reqs)
			if err != nil {
				return err
			}
			failed := 0
			for _, item := range items {
				if item.Err != nil {
					failed++
					cmd.Printf("%-40s FAILED: %v\n", item.Filename, item.Err)
					continue
				}
				cmd.Printf("%-40s %s\n", item.Filename, item.Document.ID)
			}
			cmd.Printf("%d uploaded, %d failed\n", len(items)-failed, failed)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantIDStr, "tenant", "", "Tenant id (required)")
	cmd.Flags().Float64Var(&priority, "priority", 0, "Queue priority, higher runs first")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
