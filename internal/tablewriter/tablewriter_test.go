package tablewriter

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyTable(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Render()
	require.Empty(t, buf.String())
}

func TestHeadersOnly(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Header([]string{"Name", "Age", "City"})
	w.Render()

	expected := `+------+-----+------+
| Name | Age | City |
+------+-----+------+
+------+-----+------+
`
	require.Equal(t, expected, buf.String())
}

func TestHeadersAndRows(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Header([]string{"Name", "Age", "City"})
	w.Append([]string{"Alice", "30", "New York"})
	w.Append([]string{"Bob", "25", "LA"})
	w.Render()

	expected := `+-------+-----+----------+
| Name  | Age | City     |
+-------+-----+----------+
| Alice | 30  | New York |
| Bob   | 25  | LA       |
+-------+-----+----------+
`
	require.Equal(t, expected, buf.String())
}

func TestRowsWithoutHeaders(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Append([]string{"Alice", "30", "New York"})
	w.Append([]string{"Bob", "25", "LA"})
	w.Render()

	expected := `+-------+----+----------+
| Alice | 30 | New York |
| Bob   | 25 | LA       |
+-------+----+----------+
`
	require.Equal(t, expected, buf.String())
}

func TestColumnCountPinnedByHeader(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Header([]string{"Col1", "Col2", "Col3", "Col4"})
	w.Append([]string{"A", "B"})                // short row pads out
	w.Append([]string{"C", "D", "E", "F", "G"}) // extra cell dropped
	w.Render()

	expected := `+------+------+------+------+
| Col1 | Col2 | Col3 | Col4 |
+------+------+------+------+
| A    | B    |      |      |
| C    | D    | E    | F    |
+------+------+------+------+
`
	require.Equal(t, expected, buf.String())
}

func TestWideRunes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Header([]string{"Name", "Note"})
	w.Append([]string{"寿司", "ok"})
	w.Append([]string{"a", "b"})
	w.Render()

	expected := `+------+------+
| Name | Note |
+------+------+
| 寿司 | ok   |
| a    | b    |
+------+------+
`
	require.Equal(t, expected, buf.String())
}

func TestANSIColorsDoNotAffectAlignment(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Header([]string{"Status", "Name", "Value"})
	w.Append([]string{"\033[32mok\033[0m", "\033[34mBlue Text\033[0m", "100"})
	w.Append([]string{"\033[31mfail\033[0m", "\033[33mYellow\033[0m", "200"})
	w.Render()

	output := buf.String()
	require.Contains(t, output, "\033[32m")
	require.Contains(t, output, "\033[31m")

	// Every border line has the same visual width once escapes are gone.
	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, 6)
	for _, i := range []int{0, 2, 5} {
		require.Equal(t, "+--------+-----------+-------+", lines[i])
	}
}
