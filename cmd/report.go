package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-mood/model"
	"github.com/dhcgn/mbox-mood/output"
	"github.com/dhcgn/mbox-mood/stats"
)

var (
	reportDir string
	topN      int

	headerStyle = lipgloss.NewStyle().Bold(true)
	alertStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00"))
)

var reportCmd = &cobra.Command{
	Use:   "report <log.jsonl>",
	Short: "Summarise a result log and export CSV reports",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := output.ReadRecords(args[0])
		if err != nil {
			return err
		}

		rep := buildReport(records, topN)
		printReport(cmd.OutOrStdout(), args[0], rep)

		if err := saveCSVReports(rep, reportDir); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nReports saved to directory: %s\n", reportDir)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	reportCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of regrettable messages to list")
	rootCmd.AddCommand(reportCmd)
}

type report struct {
	Total       int
	Alerts      int
	AverageMood float64
	Tags        []stats.Count
	Regrettable []model.Record
}

// buildReport lists regrettable records from the lowest mood upwards. Ties
// keep log order.
func buildReport(records []model.Record, limit int) report {
	rep := report{Total: len(records)}
	tags := make(map[string]int)
	var sum float64
	var regrettable []model.Record
	for _, r := range records {
		tags[r.PrimaryTag]++
		sum += r.MoodScore
		if r.IsRegrettable {
			rep.Alerts++
			regrettable = append(regrettable, r)
		}
	}
	if len(records) > 0 {
		rep.AverageMood = sum / float64(len(records))
	}
	rep.Tags = stats.Top(tags, 0)

	sort.SliceStable(regrettable, func(i, j int) bool {
		return regrettable[i].MoodScore < regrettable[j].MoodScore
	})
	if limit > 0 && len(regrettable) > limit {
		regrettable = regrettable[:limit]
	}
	rep.Regrettable = regrettable
	return rep
}

func newTable(w io.Writer, headers ...interface{}) table.Table {
	tbl := table.New(headers...)
	tbl.WithWriter(w)
	tbl.WithHeaderFormatter(func(format string, vals ...interface{}) string {
		return headerStyle.Render(fmt.Sprintf(format, vals...))
	})
	tbl.WithPadding(2)
	tbl.WithWidthFunc(lipgloss.Width)
	return tbl
}

func printReport(w io.Writer, path string, rep report) {
	fmt.Fprintf(w, "Result log: %s\n", path)
	fmt.Fprintf(w, "Messages: %d  Average mood: %.3f  Regrettable: %s\n\n",
		rep.Total, rep.AverageMood, alertStyle.Render(strconv.Itoa(rep.Alerts)))

	tags := newTable(w, "Tag", "Count", "Share")
	for _, c := range rep.Tags {
		share := 0.0
		if rep.Total > 0 {
			share = float64(c.Value) / float64(rep.Total) * 100
		}
		tags.AddRow(c.Key, c.Value, fmt.Sprintf("%.1f%%", share))
	}
	tags.Print()

	if len(rep.Regrettable) == 0 {
		return
	}
	fmt.Fprintf(w, "\nTop %d regrettable:\n", len(rep.Regrettable))
	regrettable := newTable(w, "#", "Mood", "Tag", "Subject")
	for i, r := range rep.Regrettable {
		regrettable.AddRow(i+1, strconv.FormatFloat(r.MoodScore, 'f', 3, 64), r.PrimaryTag, r.Subject)
	}
	regrettable.Print()
}

func saveCSVReports(rep report, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tagRows := make([][]string, 0, len(rep.Tags))
	for _, c := range rep.Tags {
		tagRows = append(tagRows, []string{c.Key, strconv.Itoa(c.Value)})
	}
	if err := writeCSV(filepath.Join(dir, "report_tags.csv"), []string{"Tag", "Count"}, tagRows); err != nil {
		return err
	}

	regRows := make([][]string, 0, len(rep.Regrettable))
	for _, r := range rep.Regrettable {
		regRows = append(regRows, []string{r.Subject, strconv.FormatFloat(r.MoodScore, 'f', -1, 64), r.PrimaryTag, r.MessageID})
	}
	return writeCSV(filepath.Join(dir, "report_regrettable.csv"), []string{"Subject", "MoodScore", "Tag", "MessageID"}, regRows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		file.Close()
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
