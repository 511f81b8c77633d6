package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/wippyai/wasm-aot/build"
	"github.com/wippyai/wasm-aot/errors"
)

var (
	errColor   = color.New(color.FgRed, color.Bold)
	failColor  = color.New(color.FgRed)
	okColor    = color.New(color.FgGreen, color.Bold)
	valueColor = color.New(color.FgCyan)
	faintColor = color.New(color.Faint)
)

func setColor(mode string) error {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
	case "on", "always":
		color.NoColor = false
	case "off", "never":
		color.NoColor = true
	default:
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("invalid --color value %q (expected auto|on|off)", mode))
	}
	return nil
}

// printError writes err and, for linker failures, the linker's output
// verbatim.
func printError(w io.Writer, err error) {
	_, _ = errColor.Fprint(w, "error")
	_, _ = fmt.Fprintf(w, ": %v\n", err)
	var e *errors.Error
	if errors.As(err, &e) && e.Diagnostics != "" {
		_, _ = faintColor.Fprintln(w, "linker output:")
		_, _ = fmt.Fprintln(w, strings.TrimRight(e.Diagnostics, "\n"))
	}
}

func printResult(w io.Writer, res *build.Result, timings bool) {
	path := res.ObjectPath
	if res.ExecutablePath != "" {
		path = res.ExecutablePath
	}
	_, _ = okColor.Fprint(w, "wrote")
	_, _ = fmt.Fprintf(w, " %s ", path)
	_, _ = faintColor.Fprintf(w, "(%s, prefix %s)\n", res.Target.Triple(), res.Prefix)
	if !timings {
		return
	}
	for _, s := range []build.Stage{build.StageResolve, build.StageCompile, build.StageEmit, build.StageLink} {
		if res.Timings.Has(s) {
			_, _ = fmt.Fprintf(w, "  %-8s ", s)
			_, _ = valueColor.Fprintf(w, "%.1f ms\n", toMillis(res.Timings.Duration(s)))
		}
	}
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// plainSink prints one line per stage transition for non-interactive
// output.
type plainSink struct {
	w io.Writer
}

func (p plainSink) OnEvent(ev build.Event) {
	switch ev.Status {
	case build.StatusWorking:
		_, _ = faintColor.Fprintf(p.w, "%s...\n", ev.Stage)
	case build.StatusError:
		_, _ = failColor.Fprintf(p.w, "%s failed after %.1f ms\n", ev.Stage, toMillis(ev.Elapsed))
	}
}
