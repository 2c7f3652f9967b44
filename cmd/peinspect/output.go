package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Exit codes.
const (
	exitSuccess      = 0
	exitFailure      = 1 // verification failed
	exitCommandError = 2 // bad flags, unreadable image or config
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	Code    int
	Message string
	Err     error
}

func (e *exitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *exitError) Unwrap() error { return e.Err }

func newExitError(code int, message string) *exitError {
	return &exitError{Code: code, Message: message}
}

func wrapExitError(code int, message string, err error) *exitError {
	return &exitError{Code: code, Message: message, Err: err}
}

// exitCode extracts the exit code, exitFailure for plain errors.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitFailure
}

// report is anything a command prints. JSON output marshals the value
// itself; text output calls writeText.
type report interface {
	writeText(w io.Writer, p palette)
}

// response is the JSON envelope.
type response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// formatter writes reports in the selected format.
type formatter struct {
	format  string
	w       io.Writer
	palette palette
}

func newFormatter(format string, w io.Writer) *formatter {
	return &formatter{format: format, w: w, palette: newPalette(isTerminal(w))}
}

func (f *formatter) emit(r report) error {
	if f.format == "json" {
		enc := json.NewEncoder(f.w)
		enc.SetIndent("", "  ")
		return enc.Encode(response{Status: "ok", Data: r})
	}
	r.writeText(f.w, f.palette)
	return nil
}

// fail reports a failed check. The report is still printed so the caller
// sees what passed.
func (f *formatter) fail(r report, err error) error {
	if f.format == "json" {
		enc := json.NewEncoder(f.w)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(response{Status: "error", Data: r, Error: err.Error()}); encErr != nil {
			return encErr
		}
	} else {
		r.writeText(f.w, f.palette)
	}
	return wrapExitError(exitFailure, "verification failed", err)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// palette styles text output. Without color every style is the identity.
type palette struct {
	color bool
	title lipgloss.Style
	key   lipgloss.Style
	good  lipgloss.Style
	bad   lipgloss.Style
	dim   lipgloss.Style
}

func newPalette(color bool) palette {
	return palette{
		color: color,
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#7D56F4")).Padding(0, 1),
		key:   lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB")),
		good:  lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),
	}
}

func (p palette) render(s lipgloss.Style, v string) string {
	if !p.color {
		return v
	}
	return s.Render(v)
}

// field writes an aligned "key: value" line.
func (p palette) field(w io.Writer, key string, value any) {
	fmt.Fprintf(w, "%s %v\n", p.render(p.key, fmt.Sprintf("%-18s", key+":")), value)
}

func (p palette) status(ok bool) string {
	if ok {
		return p.render(p.good, "ok")
	}
	return p.render(p.bad, "FAILED")
}
