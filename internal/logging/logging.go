// Package logging wires the process-wide charmbracelet/log logger used by
// every other package in this repository, plus the optional file sinks and
// console verbosity described by the `logging` configuration block.
package logging

import (
	"io"
	"os"
	"time"

	cblog "github.com/charmbracelet/log"
)

// Config mirrors the `logging.{console, files[], lineDateFormat}` keys.
type Config struct {
	Console        string   `mapstructure:"console"`
	Files          []string `mapstructure:"files"`
	LineDateFormat string   `mapstructure:"lineDateFormat"`
}

// Logger is the shared logger handed to every subsystem constructor.
var Logger = cblog.NewWithOptions(os.Stderr, cblog.Options{
	ReportTimestamp: true,
	TimeFormat:      time.RFC3339,
})

// Configure applies the parsed logging config to the shared Logger. Call
// once at startup, after config is loaded and before any subsystem is
// constructed.
func Configure(cfg Config) error {
	level := cblog.InfoLevel
	switch cfg.Console {
	case "debug":
		level = cblog.DebugLevel
	case "warn", "warning":
		level = cblog.WarnLevel
	case "error":
		level = cblog.ErrorLevel
	case "", "info":
		level = cblog.InfoLevel
	}
	Logger.SetLevel(level)
	Logger.SetReportCaller(level == cblog.DebugLevel)

	timeFormat := time.RFC3339
	if cfg.LineDateFormat != "" {
		timeFormat = cfg.LineDateFormat
	}

	writers := []io.Writer{os.Stderr}
	for _, path := range cfg.Files {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	Logger = cblog.NewWithOptions(io.MultiWriter(writers...), cblog.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		ReportCaller:    level == cblog.DebugLevel,
	})
	Logger.SetLevel(level)
	return nil
}
