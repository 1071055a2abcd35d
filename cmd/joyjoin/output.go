package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(w io.Writer, label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(w, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// printAttributes lists state one field per line in field order. Resolved
// fields are green, fields awaiting confirmation yellow.
func printAttributes(w io.Writer, m attr.Map) {
	if len(m) == 0 {
		fmt.Fprintln(w, "No attributes.")
		return
	}
	for _, f := range m.Fields() {
		s := m[f]
		color := colorYellow
		if attr.Classify(s.Confidence) == attr.Skip {
			color = colorGreen
		}
		printStatus(w, attr.Label(f), "%s %s",
			s.Value,
			colorize(color, fmt.Sprintf("(%s, %.2f)", s.Source, s.Confidence)),
		)
	}
}
