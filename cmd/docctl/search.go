package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/internal/service/document"
)

// 预览截断长度
const snippetLength = 160

var (
	searchOwner string
	searchDocs  []string
	searchLimit int
	searchJSON  bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search durably stored documents",
	Long:  `Ranks chunks of the given documents from the durable store. Needs DATABASE_URL.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchOwner, "owner", "", "owner of the documents")
	searchCmd.Flags().StringSliceVarP(&searchDocs, "doc", "d", nil, "document id (repeatable)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum number of chunks returned")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	_ = searchCmd.MarkFlagRequired("doc")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	chunks, err := service.Search(cmd.Context(), document.SearchRequest{
		Owner:       searchOwner,
		DocumentIDs: searchDocs,
		Query:       args[0],
		Limit:       searchLimit,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		return outputJSON(cmd, chunks)
	}
	outputChunks(cmd, chunks)
	return nil
}

func outputChunks(cmd *cobra.Command, chunks []models.Chunk) {
	if len(chunks) == 0 {
		cmd.Println("No results found.")
		return
	}

	cmd.Println("Results:")
	for i, c := range chunks {
		// Format: [N] p.PAGE type - snippet
		cmd.Printf("[%d] p.%d %s - %s\n", i+1, c.Page, c.Type, snippet(c.Text, snippetLength))
	}
}

func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}
