package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Banner is printed by the root command unless output is quiet
const Banner = `
  ┌─┐┬  ┬┌─┐┬┌─┬─┐┌┬┐┬ ┬┬┌┐┌
  ├┤ │  ││  ├┴┐├┬┘ │ │││││││
  └  ┴─┘┴└─┘┴ ┴┴└─ ┴ └┴┘┴┘└┘  find your Flickr twins
`

// Color functions for terminal output
var (
	Cyan    = colorize("\033[36m%s\033[0m")
	Yellow  = colorize("\033[33m%s\033[0m")
	Red     = colorize("\033[31m%s\033[0m")
	Green   = colorize("\033[32m%s\033[0m")
	Magenta = colorize("\033[35m%s\033[0m")
	Dim     = colorize("\033[2m%s\033[0m")
)

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
	quiet bool
)

// SetOutput redirects every Print helper, mainly for tests
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
}

// SetQuietMode suppresses banner, info and progress output. Errors still print.
func SetQuietMode(q bool) {
	outMu.Lock()
	defer outMu.Unlock()
	quiet = q
}

// IsQuiet reports whether quiet mode is on
func IsQuiet() bool {
	outMu.Lock()
	defer outMu.Unlock()
	return quiet
}

func colorize(colorString string) func(string) string {
	return func(text string) string {
		return fmt.Sprintf(colorString, text)
	}
}

func printf(always bool, format string, args ...interface{}) {
	outMu.Lock()
	defer outMu.Unlock()
	if quiet && !always {
		return
	}
	fmt.Fprintf(out, format, args...)
}

// PrintBanner prints the banner with color
func PrintBanner() {
	printf(false, "%s\n", Cyan(Banner))
}

// PrintError prints an error message in red, with an optional detail
func PrintError(msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = msg + ": " + fmt.Sprintf("%v", args[0])
	}
	printf(true, "%s\n", Red(msg))
}

// PrintSuccess prints a success message in green
func PrintSuccess(msg string) {
	printf(false, "%s\n", Green(msg))
}

// PrintInfo prints a label and value
func PrintInfo(label string, value string) {
	printf(false, "%s: %s\n", Cyan(label), Yellow(value))
}

// PrintWarning prints a warning message in yellow
func PrintWarning(msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = msg + ": " + fmt.Sprintf("%v", args[0])
	}
	printf(true, "%s\n", Yellow(msg))
}

// PrintHighlight prints a highlighted message in magenta
func PrintHighlight(msg string) {
	printf(false, "%s\n", Magenta(msg))
}

// PrintRow prints one ranked result line. Rows are data, so quiet mode keeps them.
func PrintRow(rank int, id string, score float64, detail string) {
	printf(true, "%s %-16s %s  %s\n", Dim(fmt.Sprintf("%3d.", rank)), id, Yellow(fmt.Sprintf("%8.2f", score)), detail)
}
