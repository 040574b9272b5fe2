// Package output formats CLI results: styled text on a terminal, JSON otherwise.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Mode selects how results are rendered.
type Mode int

const (
	// ModeAuto picks ModeText for terminals and ModeJSON for pipes and files.
	ModeAuto Mode = iota
	ModeText
	ModeJSON
)

// Writer provides formatted output for the CLI.
type Writer struct {
	out    io.Writer
	mode   Mode
	styles Styles
}

// New creates a Writer. ModeAuto is resolved against out.
func New(out io.Writer, mode Mode) *Writer {
	if mode == ModeAuto {
		mode = ModeJSON
		if IsTTY(out) {
			mode = ModeText
		}
	}
	noColor := mode == ModeJSON || !IsTTY(out) || DetectNoColor()
	return &Writer{
		out:    out,
		mode:   mode,
		styles: GetStyles(noColor),
	}
}

// JSONMode reports whether results are rendered as JSON.
func (w *Writer) JSONMode() bool {
	return w.mode == ModeJSON
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor checks if NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// JSON writes v as indented JSON followed by a newline.
func (w *Writer) JSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Result writes v as JSON in JSON mode, otherwise calls text.
func (w *Writer) Result(v any, text func()) error {
	if w.JSONMode() {
		return w.JSON(v)
	}
	text()
	return nil
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "  %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Header prints a bold section title.
func (w *Writer) Header(title string) {
	_, _ = fmt.Fprintln(w.out, w.styles.Header.Render(title))
}

// Success prints a success message with checkmark.
func (w *Writer) Success(msg string) {
	w.Status(w.styles.Success.Render("✓"), msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status(w.styles.Warning.Render("!"), msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status(w.styles.Error.Render("✗"), msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Dim prints secondary text.
func (w *Writer) Dim(msg string) {
	_, _ = fmt.Fprintln(w.out, w.styles.Dim.Render(msg))
}

// KeyValue prints aligned "key: value" lines. Keys keep the given order.
func (w *Writer) KeyValue(pairs [][2]string) {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	for _, p := range pairs {
		label := w.styles.Label.Render(fmt.Sprintf("%-*s", width+1, p[0]+":"))
		_, _ = fmt.Fprintf(w.out, "  %s %s\n", label, p[1])
	}
}

// Table prints rows under a header, padding every column to its widest cell.
func (w *Writer) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = style.Render(cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell)))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	_, _ = fmt.Fprintln(w.out, line(header, w.styles.Header))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w.out, line(row, lipgloss.NewStyle()))
	}
}

// Fields renders an entry as "k=v" pairs in key order.
func Fields(entry map[string]any) string {
	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := entry[k]
		switch v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err == nil {
				parts = append(parts, fmt.Sprintf("%s=%s", k, b))
				continue
			}
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// Progress prints a progress bar with message.
func (w *Writer) Progress(current, total int, msg string) {
	if total <= 0 || w.JSONMode() {
		return
	}

	pct := float64(current) / float64(total) * 100
	bar := w.styles.Progress.Render(renderProgressBar(current, total, 30))

	// Carriage return for in-place updates
	_, _ = fmt.Fprintf(w.out, "\r[%s] %.0f%% %s", bar, pct, msg)

	if current >= total {
		_, _ = fmt.Fprintln(w.out)
	}
}

// renderProgressBar creates a text progress bar.
func renderProgressBar(current, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}

	filled := int(float64(current) / float64(total) * float64(width))
	filled = min(max(filled, 0), width)

	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
