package config

import (
	"fmt"
	"os"
)

// Exitf prints a fatal startup failure to stderr and terminates the process
// with exit code 1. Service mains call it when flag or environment parsing
// fails, before any logger exists.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
