package cmd

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarchlab/memhier/datarecording"
	"github.com/sarchlab/memhier/mem/trace"
)

var reportCmd = &cobra.Command{
	Use:   "report DB",
	Short: "Print the records of a database written by run --record.",
	Long: `report reads back the SQLite database of a recorded run. Without
--table, every table is printed. --where filters rows with an SQL condition,
such as "Fault != ''" for the accesses table.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reader, err := datarecording.NewReader(args[0])
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}
		defer reader.Close()

		trace.MapTables(reader)

		tables, _ := cmd.Flags().GetStringSlice("table")
		where, _ := cmd.Flags().GetString("where")
		limit, _ := cmd.Flags().GetInt("limit")

		out, err := readTables(cmd.Context(), reader, tables,
			datarecording.QueryParams{Where: where, Limit: limit})
		if err != nil {
			log.Fatalf("Error reading records: %v", err)
		}

		format, _ := cmd.Flags().GetString("stats-format")
		if err := writeReport(os.Stdout, format, out); err != nil {
			log.Fatalf("Error writing report: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringSlice("table", nil,
		"tables to print, all of them by default")
	reportCmd.Flags().String("where", "", "SQL condition the rows must meet")
	reportCmd.Flags().Int("limit", 0, "maximum rows per table, 0 for all")
	reportCmd.Flags().String("stats-format", "yaml", "output format, yaml or json")
}

type tableReport struct {
	Total int   `yaml:"total" json:"total"`
	Rows  []any `yaml:"rows" json:"rows"`
}

// readTables queries the tables of a reader, or every mapped table when
// none is named.
func readTables(
	ctx context.Context,
	reader datarecording.DataReader,
	tables []string,
	params datarecording.QueryParams,
) (map[string]tableReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if len(tables) == 0 {
		tables = reader.ListTables()
	}

	out := make(map[string]tableReport, len(tables))

	for _, t := range tables {
		rows, total, err := reader.Query(ctx, t, params)
		if err != nil {
			return nil, err
		}

		out[t] = tableReport{Total: total, Rows: rows}
	}

	return out, nil
}
