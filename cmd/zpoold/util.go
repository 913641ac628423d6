package main

import (
	"fmt"
	"os"

	"github.com/sisatech/tablewriter"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

var _ pflag.Value = (*outputFormat)(nil)

// printTable renders rows (rows[0] is the header) as an aligned,
// borderless grid, the same rendering cmd/vorteil's PlainTable gives its
// own tabular output.
func printTable(rows [][]string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeader(rows[0])
	for _, row := range rows[1:] {
		table.Append(row)
	}
	table.Render()
}

// outputFormat is a pflag.Value so --format can be validated at flag-parse
// time instead of after the command has already done its work.
type outputFormat string

const (
	formatTable outputFormat = "table"
	formatYAML  outputFormat = "yaml"
)

func (f *outputFormat) String() string { return string(*f) }
func (f *outputFormat) Type() string   { return "format" }
func (f *outputFormat) Set(v string) error {
	switch outputFormat(v) {
	case formatTable, formatYAML:
		*f = outputFormat(v)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want table or yaml)", v)
	}
}

// renderRows prints rows (rows[0] is the header) as a table or, under
// --format yaml, as a list of header->value maps.
func renderRows(rows [][]string) error {
	if statusFormat != formatYAML {
		printTable(rows)
		return nil
	}

	header := rows[0]
	records := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	out, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal yaml output: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}
