// Package cli formats command output for the shiori CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/hyperjump/shiori/internal/chat"
	"github.com/hyperjump/shiori/internal/models"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" or "json"; empty means text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

const rule = "─────────────────────────────────────────────────────────"

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", response.Total, response.QueryTime)
	for _, r := range response.Results {
		writeOneResult(w, r)
	}
	return nil
}

func writeOneResult(w io.Writer, r *models.RetrievalResult) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Rank: %d | Score: %.4f (Semantic: %.4f, Keyword: %.4f)\n",
		r.Rank, r.Score, r.SemanticScore, r.KeywordScore)
	fmt.Fprintf(w, "Source: %s (%s)\n", r.Filename, r.DocumentID)
	if r.Fragment != nil {
		fmt.Fprintf(w, "Fragment: %s\n", r.Fragment.ID)
		fmt.Fprintf(w, "\n%s\n", Truncate(r.Fragment.Content, 200))
	}
	fmt.Fprintln(w)
}

// WriteStatistics writes knowledge-base statistics.
func WriteStatistics(w io.Writer, stats *models.Statistics, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, stats)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Documents:\t%d (%d processed, %d failed)\n", stats.TotalDocuments, stats.Processed, stats.Failed)
	fmt.Fprintf(tw, "Fragments:\t%d\n", stats.TotalFragments)
	fmt.Fprintf(tw, "Embedding model:\t%s (%d dimensions)\n", stats.EmbeddingModel, stats.Dimensions)
	fmt.Fprintf(tw, "Vector index:\t%s\n", stats.IndexType)
	fmt.Fprintf(tw, "Disk usage:\t%s\n", FormatBytes(stats.DiskUsageBytes))
	return tw.Flush()
}

// WriteDocuments writes a document listing.
func WriteDocuments(w io.Writer, docs []*models.Document, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, docs)
	}
	if len(docs) == 0 {
		fmt.Fprintln(w, "No documents.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILENAME\tSTATUS\tFRAGMENTS\tSIZE")
	for _, d := range docs {
		status := string(d.Status)
		if d.Error != "" {
			status += ": " + Truncate(d.Error, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.Filename, status, d.FragmentCount, FormatBytes(d.Size))
	}
	return tw.Flush()
}

// WriteChatResponse writes an answer followed by the sources it drew on.
func WriteChatResponse(w io.Writer, resp *chat.Response, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, resp)
	}
	fmt.Fprintf(w, "\n%s\n", resp.Response)
	if len(resp.Fragments) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for _, f := range resp.Fragments {
			fmt.Fprintf(w, "  [%d] %s (score %.3f)\n", f.Rank, f.Filename, f.Score)
		}
	}
	fmt.Fprintf(w, "\nsession: %s\n", resp.SessionID)
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Truncate cuts s to at most maxLen runes and appends "..." if it was cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
