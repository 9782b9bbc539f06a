package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the semantic cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.engine.Stats(cmd.Context())
			fmt.Printf("Entries:            %d\n", st.TotalEntries)
			fmt.Printf("With embeddings:    %d\n", st.EntriesWithEmbeddings)
			fmt.Printf("Pending:            %d\n", st.PendingEntries)
			fmt.Printf("Entries with hits:  %d\n", st.EntriesWithHits)
			fmt.Printf("Total hits:         %d\n", st.TotalHits)
			fmt.Printf("Avg hits per entry: %.2f\n", st.AvgHitsPerEntry)
			fmt.Printf("Added last 7 days:  %d\n", st.EntriesLast7Days)
			fmt.Printf("Policy:             threshold=%.2f enabled=%t max_entries=%d\n",
				st.Policy.SimilarityThreshold, st.Policy.Enabled, st.Policy.MaxEntries)
			if st.Degraded {
				fmt.Println("Warning: policy could not be loaded, defaults in use.")
			}
			return nil
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Evict the least valuable entries beyond max_cache_entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Evicted %d entries.\n", n)
			return nil
		},
	}

	populateCmd := &cobra.Command{
		Use:   "populate",
		Short: "Create pending entries from existing conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.PopulateFromExisting(cmd.Context())
			if err != nil {
				return fmt.Errorf("populate stopped after %d entries: %w", n, err)
			}
			fmt.Printf("Populated %d entries.\n", n)
			if n > 0 {
				fmt.Println("New entries need embeddings before they can be matched.")
			}
			return nil
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the cache schema and data are in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.engine.Verify(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Tables created:       %t\n", status.TablesCreated)
			fmt.Printf("Cache entries:        %d\n", status.CacheEntries)
			fmt.Printf("With embeddings:      %d\n", status.EntriesWithEmbeddings)
			fmt.Printf("Available Q&A pairs:  %d\n", status.AvailableQAPairs)
			fmt.Printf("Setup complete:       %t\n", status.SetupComplete)
			return nil
		},
	}

	var limit int
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List entries waiting for an embedding as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.engine.Pending(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	pendingCmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")

	var embeddingJSON string
	fillCmd := &cobra.Command{
		Use:   "fill ENTRY_ID",
		Short: "Attach an embedding to a pending entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			emb, err := parseEmbedding(embeddingJSON)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.FillEmbedding(cmd.Context(), args[0], emb); err != nil {
				return err
			}
			fmt.Printf("Entry %s is now searchable.\n", args[0])
			return nil
		},
	}
	fillCmd.Flags().StringVar(&embeddingJSON, "embedding", "", "embedding as a JSON array")

	var threshold float64
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Look up the cached answer for an embedding",
		RunE: func(cmd *cobra.Command, args []string) error {
			emb, err := parseEmbedding(embeddingJSON)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var override *float64
			if cmd.Flags().Changed("threshold") {
				override = &threshold
			}
			hit, err := a.engine.Check(cmd.Context(), emb, override)
			if err != nil {
				return err
			}
			if hit == nil {
				fmt.Println("Miss.")
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(hit)
		},
	}
	checkCmd.Flags().StringVar(&embeddingJSON, "embedding", "", "embedding as a JSON array")
	checkCmd.Flags().Float64Var(&threshold, "threshold", 0, "similarity threshold override")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d entries.\n", n)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.AddCommand(statsCmd, cleanupCmd, populateCmd, verifyCmd, pendingCmd, fillCmd, checkCmd, clearCmd)
	return cmd
}

func parseEmbedding(s string) ([]float32, error) {
	if s == "" {
		return nil, fmt.Errorf("--embedding is required")
	}
	var emb []float32
	if err := json.Unmarshal([]byte(s), &emb); err != nil {
		return nil, fmt.Errorf("parse embedding: %w", err)
	}
	return emb, nil
}
