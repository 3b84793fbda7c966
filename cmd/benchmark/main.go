// Package main measures flightline streaming throughput and generates
// synthetic datasets to measure it with.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/TFMV/flightline/bench"
	"github.com/TFMV/flightline/client"
	"github.com/TFMV/flightline/cmd/server/config"
)

var rootCmd = &cobra.Command{
	Use:   "flightline-bench",
	Short: "Throughput benchmarks for flightline servers",
}

var runCmd = &cobra.Command{
	Use:   "run [ticket...]",
	Short: "Stream tickets concurrently and report rows per second",
	RunE:  runBench,
}

var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Write a synthetic CSV dataset and print its config entry",
	Long: `Write a synthetic CSV dataset with DuckDB and print the datasets entry
that serves it.

Example:
  flightline-bench gen --rows 1000000 --out data/bench.csv.gz`,
	RunE: runGen,
}

func init() {
	rootCmd.AddCommand(runCmd, genCmd)

	runCmd.Flags().String("address", "localhost:8815", "server address")
	runCmd.Flags().Int("streams", 4, "concurrent streams per ticket")
	runCmd.Flags().Int("iterations", 3, "reads per stream")
	runCmd.Flags().Bool("warmup", true, "read each ticket once before timing")
	runCmd.Flags().Bool("all", false, "benchmark every advertised dataset")
	runCmd.Flags().String("format", "text", "report format (text, json, csv, markdown)")
	genCmd.Flags().Int("rows", 100000, "number of rows")
	genCmd.Flags().String("out", "bench.csv", "output file; .gz or .zst compresses")
	genCmd.Flags().String("name", "bench", "dataset name")

	for _, c := range []*cobra.Command{runCmd, genCmd} {
		if err := viper.BindPFlags(c.Flags()); err != nil {
			panic(fmt.Errorf("failed to bind flags: %w", err))
		}
	}
	viper.SetEnvPrefix("FLIGHTLINE_BENCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	report, err := reporter(viper.GetString("format"))
	if err != nil {
		return err
	}

	c, err := client.New(client.Config{Address: viper.GetString("address"), ClientID: "flightline-bench"}, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

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

	runner := bench.NewRunner(c, bench.Options{
		Streams:    viper.GetInt("streams"),
		Iterations: viper.GetInt("iterations"),
		Warmup:     viper.GetBool("warmup"),
	}, logger)
	results, err := runner.RunAll(ctx, tickets)
	if err != nil {
		return err
	}
	return report(results, cmd.OutOrStdout())
}

func reporter(format string) (func([]bench.Result, io.Writer) error, error) {
	switch format {
	case "text":
		return func(results []bench.Result, w io.Writer) error {
			for _, r := range results {
				if _, err := fmt.Fprintln(w, r.String()); err != nil {
					return err
				}
			}
			return nil
		}, nil
	case "json":
		return bench.WriteJSON, nil
	case "csv":
		return bench.WriteCSV, nil
	case "markdown":
		return bench.WriteMarkdown, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func runGen(cmd *cobra.Command, args []string) error {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return fmt.Errorf("open duckdb: %w", err)
	}
	defer db.Close()

	out := viper.GetString("out")
	rows := viper.GetInt("rows")
	if err := generate(cmd.Context(), db, out, rows); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d rows to %s\n", rows, out)

	snippet, err := datasetSnippet(viper.GetString("name"), out)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(snippet)
	return err
}

// benchFields is the layout generate writes.
var benchFields = []config.FieldConfig{
	{Name: "id", Type: "int64"},
	{Name: "name", Type: "string"},
	{Name: "value", Type: "float64", Nullable: true},
	{Name: "active", Type: "bool"},
}

// generate writes rows synthetic rows to out as CSV with a header. Every
// tenth value is null.
func generate(ctx context.Context, db *sql.DB, out string, rows int) error {
	if rows < 0 {
		return fmt.Errorf("rows must not be negative")
	}
	query := fmt.Sprintf(`COPY (
	SELECT
		i AS id,
		'row-' || i AS name,
		CASE WHEN i %% 10 = 0 THEN NULL ELSE round(random() * 1000, 3) END AS value,
		i %% 2 = 0 AS active
	FROM range(0, %d) t(i)
) TO '%s' (FORMAT csv, HEADER true, NULLSTR '')`, rows, strings.ReplaceAll(out, "'", "''"))
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

// datasetSnippet renders the datasets entry serving file.
func datasetSnippet(name, file string) ([]byte, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	ds := config.DatasetConfig{
		Name:   name,
		Kind:   config.KindCSV,
		Schema: benchFields,
		CSV:    config.CSVConfig{File: abs, NullValues: []string{""}},
	}
	switch {
	case strings.HasSuffix(file, ".gz"):
		ds.CSV.Compression = "gzip"
	case strings.HasSuffix(file, ".zst"):
		ds.CSV.Compression = "zstd"
	}
	return yaml.Marshal(map[string][]config.DatasetConfig{"datasets": {ds}})
}
