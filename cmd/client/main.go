// Package main is a command-line client for flightline servers.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/flightline/client"
	"github.com/TFMV/flightline/pkg/models"
)

var errLimit = errors.New("row limit reached")

var rootCmd = &cobra.Command{
	Use:   "flightline-client",
	Short: "Discover and fetch datasets from a flightline server",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List advertised datasets",
	RunE:  runList,
}

var getCmd = &cobra.Command{
	Use:   "get [ticket...]",
	Short: "Stream datasets by ticket",
	Long: `Stream one or more datasets by ticket and print their rows.

Example:
  flightline-client get uk_cities --limit 10
  flightline-client get --all --format csv`,
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(listCmd, getCmd)

	rootCmd.PersistentFlags().String("address", "localhost:8815", "server address")
	rootCmd.PersistentFlags().Bool("tls", false, "use TLS")
	rootCmd.PersistentFlags().String("ca-file", "", "CA certificate for TLS")
	rootCmd.PersistentFlags().String("client-id", "flightline-client", "client_id header")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level")
	rootCmd.PersistentFlags().Duration("timeout", 5*time.Minute, "overall deadline")
	getCmd.Flags().Bool("all", false, "fetch every advertised dataset")
	getCmd.Flags().Int("limit", 0, "stop after this many rows per dataset (0 for all)")
	getCmd.Flags().String("format", "table", "output format (table, csv)")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	if err := viper.BindPFlags(getCmd.Flags()); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	viper.SetEnvPrefix("FLIGHTLINE_CLIENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func connect() (*client.Client, error) {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	return client.New(client.Config{
		Address:  viper.GetString("address"),
		TLS:      viper.GetBool("tls"),
		CAFile:   viper.GetString("ca-file"),
		ClientID: viper.GetString("client-id"),
	}, logger)
}

func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
	return ctx, func() { cancel(); stop() }
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := commandContext()
	defer cancel()

	infos, err := c.ListFlights(ctx)
	if err != nil {
		return err
	}

	table := newTable(cmd.OutOrStdout())
	table.SetHeader([]string{"Descriptor", "Ticket", "Schema", "Records"})
	for _, info := range infos {
		ticket := ""
		if len(info.Endpoints) > 0 {
			ticket = string(info.Endpoints[0].Ticket)
		}
		records := "unknown"
		if info.TotalRecords != models.UnknownTotal {
			records = strconv.FormatInt(info.TotalRecords, 10)
		}
		table.Append([]string{info.Descriptor.String(), ticket, info.Schema.String(), records})
	}
	table.Render()
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := commandContext()
	defer cancel()

	tickets := make([][]byte, 0, len(args))
	for _, a := range args {
		tickets = append(tickets, []byte(a))
	}
	if viper.GetBool("all") {
		infos, err := c.ListFlights(ctx)
		if err != nil {
			return err
		}
		for _, info := range infos {
			for _, ep := range info.Endpoints {
				tickets = append(tickets, ep.Ticket)
			}
		}
	}
	if len(tickets) == 0 {
		return fmt.Errorf("no tickets given; pass ticket arguments or --all")
	}

	format := viper.GetString("format")
	if format != "table" && format != "csv" {
		return fmt.Errorf("unknown format %q", format)
	}

	for _, ticket := range tickets {
		if err := fetchOne(ctx, c, cmd.OutOrStdout(), ticket, format, viper.GetInt("limit")); err != nil {
			return fmt.Errorf("ticket %q: %w", ticket, err)
		}
	}
	return nil
}

func newTable(out io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetAutoFormatHeaders(false)
	table.SetRowLine(false)
	table.SetBorder(false)
	return table
}

// rowWriter abstracts the table and csv outputs. endBatch writes out the
// rows collected since the previous call.
type rowWriter interface {
	header([]string)
	row([]string)
	endBatch() error
}

// tableRows renders one table per batch so rows appear as batches arrive.
// Only the first table carries the header, and column widths are per batch.
type tableRows struct {
	out     io.Writer
	t       *tablewriter.Table
	pending int
	started bool
}

func newTableRows(out io.Writer) *tableRows {
	return &tableRows{out: out, t: newTable(out)}
}

func (w *tableRows) header(h []string) { w.t.SetHeader(h) }

func (w *tableRows) row(r []string) {
	w.t.Append(r)
	w.pending++
}

func (w *tableRows) endBatch() error {
	if w.pending == 0 && w.started {
		return nil
	}
	w.t.Render()
	w.t = newTable(w.out)
	w.pending = 0
	w.started = true
	return nil
}

type csvRows struct{ w *csv.Writer }

func (w csvRows) header(h []string) { _ = w.w.Write(h) }
func (w csvRows) row(r []string)    { _ = w.w.Write(r) }
func (w csvRows) endBatch() error   { w.w.Flush(); return w.w.Error() }

func fetchOne(ctx context.Context, c *client.Client, out io.Writer, ticket []byte, format string, limit int) error {
	var w rowWriter
	if format == "csv" {
		w = csvRows{w: csv.NewWriter(out)}
	} else {
		w = newTableRows(out)
	}

	rows := 0
	err := c.Fetch(ctx, ticket,
		func(schema models.Schema) error {
			names := make([]string, len(schema.Fields))
			for i, f := range schema.Fields {
				names[i] = f.Name
			}
			w.header(names)
			return nil
		},
		func(batch *models.RecordBatch) error {
			for i := 0; i < batch.NumRows; i++ {
				if limit > 0 && rows >= limit {
					return errLimit
				}
				cells := make([]string, len(batch.Columns))
				for j, col := range batch.Columns {
					cells[j] = models.FormatValue(col, i)
				}
				w.row(cells)
				rows++
			}
			return w.endBatch()
		},
	)
	if err != nil && !errors.Is(err, errLimit) {
		return err
	}
	if err := w.endBatch(); err != nil {
		return err
	}
	if format == "table" {
		fmt.Fprintf(out, "%d rows\n", rows)
	}
	return nil
}
