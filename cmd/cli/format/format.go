// Package format renders command output as a table, JSON, CSV or markdown.
package format

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
)

// OutputFormat determines how results are displayed.
type OutputFormat string

const (
	FormatTable    OutputFormat = "table"
	FormatJSON     OutputFormat = "json"
	FormatCSV      OutputFormat = "csv"
	FormatMarkdown OutputFormat = "markdown"
)

// Parse returns the format named s. An empty name selects FormatTable.
func Parse(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatCSV, FormatMarkdown:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json, csv or markdown)", s)
}

// Render writes tabular data in format f. JSON output encodes v instead of
// the rows.
func Render(w io.Writer, f OutputFormat, headers []string, rows [][]string, v any) error {
	switch f {
	case FormatJSON:
		return JSONTo(w, v)
	case FormatCSV:
		return CSV(w, headers, rows)
	case FormatMarkdown:
		Markdown(w, headers, rows)
		return nil
	default:
		TableTo(w, headers, rows)
		return nil
	}
}

// TableTo renders rows as a tab-aligned table with a dashed separator
// under the header.
func TableTo(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	seps := make([]string, len(headers))
	for i, h := range headers {
		seps[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(seps, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// Markdown renders rows as a GitHub-flavoured markdown table. Pipes inside
// cells are escaped.
func Markdown(w io.Writer, headers []string, rows [][]string) {
	line := func(cells []string) {
		esc := make([]string, len(cells))
		for i, c := range cells {
			esc[i] = strings.ReplaceAll(c, "|", `\|`)
		}
		fmt.Fprintf(w, "| %s |\n", strings.Join(esc, " | "))
	}
	line(headers)
	seps := make([]string, len(headers))
	for i := range seps {
		seps[i] = "---"
	}
	fmt.Fprintf(w, "|%s|\n", strings.Join(seps, "|"))
	for _, row := range rows {
		line(row)
	}
}

// JSONTo renders v as indented JSON.
func JSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// CSV writes headers and rows as CSV.
func CSV(w io.Writer, headers []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

// PtrF64 formats a *float64 with the given precision, or "-" if nil.
func PtrF64(p *float64, prec int) string {
	if p == nil {
		return "-"
	}
	return F64(*p, prec)
}

// F64 formats v with the given precision. Infinity renders as "inf".
func F64(v float64, prec int) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.*f", prec, v)
}

// Pct formats a fraction as a percentage with one decimal.
func Pct(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.1f%%", v*100)
}
