package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"pravardha-anchor/internal/domain"
)

// usageError 参数错误，退出码 2
type usageError struct {
	msg string
	err error
}

func (e *usageError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return &usageError{msg: "invalid arguments", err: err}
	}
	if fs.NArg() > 0 {
		return usagef("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return nil
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return usagef("--%s is required", name)
	}
	return nil
}

// parseTime accepts RFC 3339 or unix epoch seconds.
func parseTime(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, usagef("--%s is required", name)
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, &usageError{msg: fmt.Sprintf("--%s must be RFC 3339 or epoch seconds", name), err: err}
	}
	return t.UTC(), nil
}

// parseWindowStart is parseTime restricted to window boundaries.
func parseWindowStart(name, value string) (time.Time, error) {
	t, err := parseTime(name, value)
	if err != nil {
		return time.Time{}, err
	}
	if start := domain.WindowStartFor(t, domain.WindowDuration); !start.Equal(t) {
		return time.Time{}, usagef("--%s %s is not a window boundary (window starts at %s)",
			name, t.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
