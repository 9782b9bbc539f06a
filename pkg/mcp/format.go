package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/querycache/pkg/models"
)

func formatHit(hit *models.CacheHit) string {
	if hit == nil {
		return "Miss."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hit %s (score %.4f, %d previous hits)\n", hit.CacheID, hit.SimilarityScore, hit.HitCount)
	fmt.Fprintf(&b, "Question: %s\n", hit.Content.Question)
	fmt.Fprintf(&b, "Answer:   %s\n", hit.Content.Answer)
	return b.String()
}

func formatStats(st models.CacheStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %d\n", "Entries", st.TotalEntries)
	fmt.Fprintf(&b, "%-20s %d\n", "With embeddings", st.EntriesWithEmbeddings)
	fmt.Fprintf(&b, "%-20s %d\n", "Pending", st.PendingEntries)
	fmt.Fprintf(&b, "%-20s %d\n", "Entries with hits", st.EntriesWithHits)
	fmt.Fprintf(&b, "%-20s %d\n", "Total hits", st.TotalHits)
	fmt.Fprintf(&b, "%-20s %.2f\n", "Avg hits per entry", st.AvgHitsPerEntry)
	fmt.Fprintf(&b, "%-20s %d\n", "Added last 7 days", st.EntriesLast7Days)
	b.WriteString(formatPolicy(st.Policy))
	if st.Degraded {
		b.WriteString("Policy store unavailable, defaults in use.\n")
	}
	return b.String()
}

func formatPolicy(p models.CachePolicy) string {
	return fmt.Sprintf("Policy: threshold=%.2f enabled=%t max_entries=%d\n",
		p.SimilarityThreshold, p.Enabled, p.MaxEntries)
}

func formatSetup(st models.SetupStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %t\n", "Tables created", st.TablesCreated)
	fmt.Fprintf(&b, "%-20s %d\n", "Cache entries", st.CacheEntries)
	fmt.Fprintf(&b, "%-20s %d\n", "With embeddings", st.EntriesWithEmbeddings)
	fmt.Fprintf(&b, "%-20s %d\n", "Available Q&A pairs", st.AvailableQAPairs)
	fmt.Fprintf(&b, "%-20s %t\n", "Setup complete", st.SetupComplete)
	return b.String()
}
