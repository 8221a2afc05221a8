package main

import (
	"fmt"
	"os"
)

// ANSI SGR sequences. Kept bare so colorize can strip them with --no-color.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

func colorize(seq, text string) string {
	if noColor {
		return text
	}
	return seq + text + ansiReset
}

// stderrf writes a colorized, prefixed status line to stderr. Status output
// stays off stdout so piping command results remains clean.
func stderrf(seq, prefix, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(seq, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	stderrf(ansiGreen, "ok: ", format, args...)
}

func printError(format string, args ...any) {
	stderrf(ansiRed, "error: ", format, args...)
}

func printWarning(format string, args ...any) {
	stderrf(ansiYellow, "warning: ", format, args...)
}

func printStatus(label, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(ansiBold, label+":"), fmt.Sprintf(format, args...))
}
