package server

import (
	"io"
	"log"
	"os"
)

// Package loggers. debugLog is silent until EnableDebugLogging is called.
var (
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
)

// EnableDebugLogging routes per-connection debug output to w.
func EnableDebugLogging(w io.Writer) {
	debugLog.SetOutput(w)
}

// SetLogOutput redirects error output, which goes to stderr by default.
func SetLogOutput(w io.Writer) {
	errorLog.SetOutput(w)
}
