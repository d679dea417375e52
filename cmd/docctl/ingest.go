package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/internal/service/document"
)

var (
	ingestOwner string
	ingestMode  string
	ingestQuery string
	ingestLimit int
	ingestJSON  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Parse a document and optionally query it",
	Long: `Extracts, chunks and stores one PDF or image.
With --query the freshly stored context is searched in the same run.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "owner the document is stored under")
	ingestCmd.Flags().StringVar(&ingestMode, "mode", "", "persist mode: ephemeral, durable or both")
	ingestCmd.Flags().StringVarP(&ingestQuery, "query", "q", "", "search the ingested context")
	ingestCmd.Flags().IntVarP(&ingestLimit, "limit", "n", 0, "maximum number of chunks returned")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	ctx := cmd.Context()
	summary, err := service.Ingest(ctx, data, document.IngestMetadata{
		Filename: filepath.Base(path),
		Owner:    ingestOwner,
		Mode:     ingestMode,
	})
	if err != nil {
		if ingestJSON {
			_ = outputJSON(cmd, summary)
		}
		return fmt.Errorf("ingestion failed: %w", err)
	}

	var chunks []models.Chunk
	if ingestQuery != "" {
		chunks, err = service.Search(ctx, document.SearchRequest{
			Owner: ingestOwner,
			Key:   summary.RequestKey,
			Query: ingestQuery,
			Limit: ingestLimit,
		})
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
	}

	if ingestJSON {
		return outputJSON(cmd, struct {
			Summary models.IngestSummary `json:"summary"`
			Chunks  []models.Chunk       `json:"chunks,omitempty"`
		}{summary, chunks})
	}

	cmd.Printf("Document %s (request %s)\n", summary.DocumentID, summary.RequestKey)
	cmd.Printf("  pages: %d  chunks: %d  tables: %d  time: %dms\n",
		summary.PageCount, summary.ChunkCount, summary.TableCount, summary.ProcessingTimeMs)
	if summary.Partial {
		cmd.Println("  some pages failed; content is partial")
	}
	if ingestQuery != "" {
		cmd.Println()
		outputChunks(cmd, chunks)
	}
	return nil
}

func outputJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
