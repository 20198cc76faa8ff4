package log

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Config declares a logger.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	// Output is stderr (default), stdout, or a file path.
	Output string `json:"output" yaml:"output"`
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		return NewLogger(), nil
	}
	lvl := InfoLevel
	if cfg.Level != "" {
		l, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		lvl = l
	}
	var format Format
	switch strings.ToLower(cfg.Format) {
	case "", "text", "console":
		format = FormatText
	case "json":
		format = FormatJSON
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("log: open output: %w", err)
		}
		out = f
	}
	return NewLogger(WithLevel(lvl), WithFormat(format), WithOutput(out)), nil
}
