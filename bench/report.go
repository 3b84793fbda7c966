package bench

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// WriteJSON writes results to w in JSON format.
func WriteJSON(results []Result, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// WriteCSV writes results in CSV format.
func WriteCSV(results []Result, w io.Writer) error {
	c := csv.NewWriter(w)
	if err := c.Write([]string{"name", "streams", "iterations", "duration_ns", "rows", "batches", "rows_per_sec"}); err != nil {
		return err
	}
	for _, r := range results {
		record := []string{
			r.Name,
			strconv.Itoa(r.Streams),
			strconv.Itoa(r.Iterations),
			strconv.FormatInt(r.Duration.Nanoseconds(), 10),
			strconv.FormatInt(r.Rows, 10),
			strconv.FormatInt(r.Batches, 10),
			strconv.FormatFloat(r.Throughput, 'f', 0, 64),
		}
		if err := c.Write(record); err != nil {
			return err
		}
	}
	c.Flush()
	return c.Error()
}

// WriteMarkdown renders results as a Markdown table.
func WriteMarkdown(results []Result, w io.Writer) error {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Ticket", "Streams", "Rows", "Batches", "Duration", "Rows/sec"})
	tw.SetAutoFormatHeaders(false)
	tw.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	tw.SetCenterSeparator("|")
	for _, r := range results {
		tw.Append([]string{
			r.Name,
			strconv.Itoa(r.Streams),
			strconv.FormatInt(r.Rows, 10),
			strconv.FormatInt(r.Batches, 10),
			r.Duration.String(),
			fmt.Sprintf("%.0f", r.Throughput),
		})
	}
	tw.Render()
	return nil
}
