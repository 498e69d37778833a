// Package cli provides the command-line interface for the trading platform.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Anupamvm/mCube-ai-sub004/pkg/utils"
)

// ANSI escapes for terminal output. Color is dropped automatically when
// stdout is not a terminal or JSON mode is on.
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorWhite  = "\033[37m"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripANSI removes escape codes, leaving the visible text. Column
// widths are computed on the stripped form.
func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// Output writes command results as colored text or JSON.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput builds an Output from the command's flags, writing to the
// command's stdout.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		writer:       cmd.OutOrStdout(),
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && isTerminal(),
	}
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// IsJSON reports whether --json was requested.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON writes data as indented JSON.
func (o *Output) JSON(data any) error {
	enc := json.NewEncoder(o.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// Printf writes a formatted message.
func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(o.writer, format, args...)
}

// Println writes its arguments followed by a newline.
func (o *Output) Println(args ...any) {
	fmt.Fprintln(o.writer, args...)
}

// paint wraps text in a color escape when color is enabled.
func (o *Output) paint(color, text string) string {
	if !o.colorEnabled {
		return text
	}
	return color + text + ColorReset
}

func (o *Output) line(color, format string, args ...any) {
	fmt.Fprintln(o.writer, o.paint(color, fmt.Sprintf(format, args...)))
}

// Success prints a green status line.
func (o *Output) Success(format string, args ...any) { o.line(ColorGreen, format, args...) }

// Error prints a red status line.
func (o *Output) Error(format string, args ...any) { o.line(ColorRed, format, args...) }

// Warning prints a yellow status line.
func (o *Output) Warning(format string, args ...any) { o.line(ColorYellow, format, args...) }

// Bold prints an emphasized line, used for section headings.
func (o *Output) Bold(format string, args ...any) { o.line(ColorBold, format, args...) }

// Dim prints a de-emphasized line.
func (o *Output) Dim(format string, args ...any) { o.line(ColorDim, format, args...) }

// Inline color helpers for composing table cells and badges.

func (o *Output) Green(text string) string { return o.paint(ColorGreen, text) }

func (o *Output) Red(text string) string { return o.paint(ColorRed, text) }

func (o *Output) Yellow(text string) string { return o.paint(ColorYellow, text) }

func (o *Output) Cyan(text string) string { return o.paint(ColorCyan, text) }

func (o *Output) BoldText(text string) string { return o.paint(ColorBold, text) }

func (o *Output) DimText(text string) string { return o.paint(ColorDim, text) }

// FormatPnL renders a signed rupee amount, green for gains, red for
// losses, white when flat.
func (o *Output) FormatPnL(pnl decimal.Decimal) string {
	color := ColorWhite
	switch pnl.Sign() {
	case 1:
		color = ColorGreen
	case -1:
		color = ColorRed
	}
	return o.paint(color, utils.FormatPnL(pnl))
}

// SessionBadge renders a session state with the color operators expect.
func (o *Output) SessionBadge(state string) string {
	switch state {
	case "AUTHENTICATED":
		return o.Green("● " + state)
	case "EXPIRED":
		return o.Yellow("● " + state)
	case "AUTHENTICATING":
		return o.Cyan("● " + state)
	default:
		return o.DimText("○ " + state)
	}
}

// Table renders aligned columns separated by a two-space gutter.
type Table struct {
	out     *Output
	headers []string
	rows    [][]string
}

// NewTable creates a table with the given column headers.
func NewTable(out *Output, headers ...string) *Table {
	return &Table{out: out, headers: headers}
}

// AddRow appends one row. Cells beyond the header count are ignored.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// columnWidths sizes each column to its widest cell.
func (t *Table) columnWidths() []int {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(stripANSI(h))
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			if n := len(stripANSI(cell)); n > widths[i] {
				widths[i] = n
			}
		}
	}
	return widths
}

// Render writes the header, a rule and every row.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}
	widths := t.columnWidths()

	t.writeRow(t.headers, widths, t.out.colorEnabled)
	t.writeRule(widths)
	for _, row := range t.rows {
		t.writeRow(row, widths, false)
	}
}

func (t *Table) writeRow(cells []string, widths []int, bold bool) {
	parts := make([]string, 0, len(cells))
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		if pad := widths[i] - len(stripANSI(cell)); pad > 0 {
			cell += strings.Repeat(" ", pad)
		}
		if bold {
			cell = ColorBold + cell + ColorReset
		}
		parts = append(parts, cell)
	}
	t.out.Println(strings.Join(parts, "  "))
}

func (t *Table) writeRule(widths []int) {
	total := 0
	for _, w := range widths {
		total += w + 2
	}
	t.out.Println(t.out.paint(ColorDim, strings.Repeat("─", total-2)))
}

// Box draws a titled frame around content lines. Plain ASCII is used
// when color is off so piped output stays greppable.
func (o *Output) Box(title string, content []string) {
	inner := len(title)
	for _, line := range content {
		if n := len(stripANSI(line)); n > inner {
			inner = n
		}
	}

	h, v := "─", "│"
	corners := [6]string{"┌", "┐", "├", "┤", "└", "┘"}
	if !o.colorEnabled {
		h, v = "-", "|"
		corners = [6]string{"+", "+", "+", "+", "+", "+"}
	}
	bar := strings.Repeat(h, inner+2)

	edge := func(left, right string) {
		o.Println(o.paint(ColorDim, left+bar+right))
	}
	row := func(text string) {
		pad := strings.Repeat(" ", inner-len(stripANSI(text)))
		side := o.paint(ColorDim, v)
		o.Println(side + " " + text + pad + " " + side)
	}

	edge(corners[0], corners[1])
	row(o.paint(ColorBold, title))
	edge(corners[2], corners[3])
	for _, line := range content {
		row(line)
	}
	edge(corners[4], corners[5])
}
