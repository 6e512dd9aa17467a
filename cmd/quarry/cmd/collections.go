package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/internal/ui"
)

func newCollectionsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "collections",
		Short: "List indexed collections",
		Long: `List indexed collections with their passage counts and index state.

Examples:
  quarry collections
  quarry collections --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollections(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runCollections(cmd *cobra.Command, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	metadata, err := openMetadata(cfg)
	if err != nil {
		return err
	}
	defer metadata.Close()

	statuses, err := collectionStatuses(cmd.Context(), cfg, metadata)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	if len(statuses) == 0 {
		_, err := fmt.Fprintln(out, "No collections. Run 'quarry ingest' to index a passage file.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPASSAGES\tEMBEDDED\tLEXICAL\tVECTORS\tSIZE")
	for _, s := range statuses {
		lexical := s.LexicalBackend
		if lexical == "" {
			lexical = "-"
		}
		vectors := "yes"
		if !s.HasVectors {
			vectors = "no"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
			s.Name, s.Passages, s.Embedded, lexical, vectors, ui.FormatBytes(s.SizeBytes))
	}
	return w.Flush()
}
