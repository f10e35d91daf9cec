package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
)

const appName = "drd"

// New builds the process logger. format is one of text, logfmt or json.
func New(w io.Writer, level, format string) (*charmLog.Logger, error) {
	if w == nil {
		w = io.Discard
	}
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := charmLog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse logging level %q: %w", level, err)
	}
	formatter := charmLog.TextFormatter
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
	case "logfmt":
		formatter = charmLog.LogfmtFormatter
	case "json":
		formatter = charmLog.JSONFormatter
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return charmLog.NewWithOptions(w, charmLog.Options{
		Level:           lvl,
		Prefix:          appName,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

// Discard returns a logger that drops everything. Used as the engine default.
func Discard() *charmLog.Logger {
	return charmLog.NewWithOptions(io.Discard, charmLog.Options{Level: charmLog.FatalLevel})
}
