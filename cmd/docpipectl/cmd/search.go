package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/docpipe/docpipe/internal/service"
)

func newSearchCmd() *cobra.Command {
	var (
		tenantIDStr string
		limit       int
		threshold   float32
	)

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search a tenant's documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(tenantIDStr)
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.search.Search(cmd.Context(), tenantID, &service.SearchRequest{
				Query:     args[0],
				Limit:     limit,
				Threshold: threshold,
			})
			if err != nil {
				return err
			}

			if len(results) == 0 {
				cmd.Println("no results")
				return nil
			}
			for i, r := range results {
				cmd.Printf("%2d. [%.3f] %s (chunk %d of %s)\n", i+1, r.Score, r.Filename, r.ChunkIndex, r.DocumentID)
				cmd.Printf("    %s\n", snippet(r.Text, 160))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantIDStr, "tenant", "", "Tenant id (required)")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	cmd.Flags().Float32Var(&threshold, "threshold", 0, "Minimum similarity score")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
