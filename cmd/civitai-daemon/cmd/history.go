package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"go-civitai-daemon/internal/database"
	"go-civitai-daemon/internal/helpers"
	"go-civitai-daemon/internal/index"
	"go-civitai-daemon/internal/models"

	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historySearch string
	historyAll    bool
	historyErrors bool
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent downloads",
	Long: `Lists recent successful downloads from the database. --all includes failed and
skipped outcomes, --errors lists the error log, and --search runs a full-text
query over the search index (for example "sdxl" or "+model_type:LORA").`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	f := historyCmd.Flags()
	f.IntVarP(&historyLimit, "limit", "n", 5, "Number of entries to show")
	f.StringVarP(&historySearch, "search", "s", "", "Full-text search query")
	f.BoolVar(&historyAll, "all", false, "Include failed and skipped outcomes")
	f.BoolVar(&historyErrors, "errors", false, "Show the error log instead")
	f.BoolVar(&historyJSON, "json", false, "Print JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("search") {
		return runHistorySearch()
	}

	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	if historyErrors {
		records, err := db.RecentErrors(historyLimit)
		if err != nil {
			return err
		}
		if historyJSON {
			return printJSON(records)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tMODEL\tFILE\tERROR")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.Timestamp.Local().Format(time.DateTime), r.ModelID, r.Filename, r.Error)
		}
		return tw.Flush()
	}

	var records []models.DownloadRecord
	if historyAll {
		records, err = db.History(historyLimit)
	} else {
		records, err = db.LastDownloads(historyLimit)
	}
	if err != nil {
		return err
	}
	if historyJSON {
		return printJSON(records)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTATUS\tMODEL\tVERSION\tTYPE\tFILE\tSIZE\tSECONDS")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\t%.1f\n",
			r.Timestamp.Local().Format(time.DateTime), r.Status, r.ModelID, r.VersionID,
			r.ModelType, r.Filename, helpers.BytesToSize(uint64(r.FileSize)), r.DownloadTime)
	}
	return tw.Flush()
}

func runHistorySearch() error {
	if !globalConfig.Index.Enabled {
		return fmt.Errorf("search index is disabled")
	}
	idx, err := index.OpenOrCreateIndex(globalConfig.IndexPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	hits, err := idx.Search(historySearch, historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		return printJSON(hits)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tMODEL\tVERSION\tTYPE\tBASE\tPATH")
	for _, h := range hits {
		fmt.Fprintf(tw, "%.3f\t%d\t%d\t%s\t%s\t%s\n", h.Score, h.ModelID, h.VersionID, h.ModelType, h.BaseModel, h.Path)
	}
	return tw.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
