// Package tablewriter renders rows of strings as bordered ASCII tables.
// Column widths are computed from display width, so ANSI color codes and
// wide runes do not break alignment.
package tablewriter

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Writer accumulates a header and rows and renders them aligned.
type Writer struct {
	out     io.Writer
	headers []string
	rows    [][]string
	widths  []int
	columns int
}

// NewWriter creates a table writer that renders to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: w}
}

// Header sets the column headers and pins the column count.
func (t *Writer) Header(headers []string) {
	t.headers = headers
	t.columns = len(headers)
	t.measure(headers)
}

// Append adds one row. Missing cells render empty; cells beyond the
// header's column count are dropped.
func (t *Writer) Append(row []string) {
	t.rows = append(t.rows, row)
	t.measure(row)
}

func (t *Writer) measure(row []string) {
	limit := len(row)
	if t.columns > 0 && limit > t.columns {
		limit = t.columns
	}
	for i := 0; i < limit; i++ {
		if i >= len(t.widths) {
			t.widths = append(t.widths, 0)
		}
		if w := cellWidth(row[i]); w > t.widths[i] {
			t.widths[i] = w
		}
	}
	if t.columns == 0 {
		t.columns = len(t.widths)
	}
}

// Render writes the table. An empty table writes nothing.
func (t *Writer) Render() {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return
	}
	t.border()
	if len(t.headers) > 0 {
		t.row(t.headers)
		t.border()
	}
	for _, row := range t.rows {
		t.row(row)
	}
	t.border()
}

func (t *Writer) border() {
	fmt.Fprint(t.out, "+")
	for _, width := range t.widths {
		fmt.Fprint(t.out, strings.Repeat("-", width+2), "+")
	}
	fmt.Fprintln(t.out)
}

func (t *Writer) row(cells []string) {
	fmt.Fprint(t.out, "|")
	for i := 0; i < len(t.widths); i++ {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		padding := t.widths[i] - cellWidth(cell)
		fmt.Fprintf(t.out, " %s%s |", cell, strings.Repeat(" ", padding))
	}
	fmt.Fprintln(t.out)
}

// cellWidth is the display width of a cell: ANSI escapes contribute
// nothing and wide runes count double.
func cellWidth(s string) int {
	return runewidth.StringWidth(ansiRegex.ReplaceAllString(s, ""))
}
