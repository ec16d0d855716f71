package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// output formats command results as a table or, in JSON mode, as indented
// JSON on stdout. Messages go to stderr.
type output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

func (o *options) output() *output {
	return &output{jsonMode: o.json, w: o.stdout, errW: o.stderr}
}

// Print writes a table, or jsonData in JSON mode.
func (o *output) Print(headers []string, rows [][]string, jsonData any) error {
	if o.jsonMode {
		return o.JSON(jsonData)
	}
	return o.Table(headers, rows)
}

// Table writes aligned columns under a dashed header.
func (o *output) Table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// JSON writes v indented.
func (o *output) JSON(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Line writes a plain line to stdout unless in JSON mode.
func (o *output) Line(format string, args ...any) {
	if o.jsonMode {
		return
	}
	fmt.Fprintf(o.w, format+"\n", args...)
}

// Message writes a line to stderr.
func (o *output) Message(format string, args ...any) {
	fmt.Fprintf(o.errW, format+"\n", args...)
}
