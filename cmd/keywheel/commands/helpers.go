package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"
)

// newTable returns a tabwriter on stdout with the column spacing used by
// every tabular command.
func newTable(out io.Writer) *tabwriter.Writer {
	if out == nil {
		out = os.Stdout
	}
	return tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
}

// outputJSON writes data as indented JSON.
func outputJSON(out io.Writer, data interface{}) error {
	if out == nil {
		out = os.Stdout
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// formatTime renders a timestamp for tables; zero shows as a dash.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatTimePtr renders an optional timestamp.
func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

// parseTimeFlag accepts RFC 3339 or a plain date. Empty returns the zero time.
func parseTimeFlag(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q, use RFC 3339 or YYYY-MM-DD", value)
}

// yesNo renders a boolean for tables.
func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
