package logger

import (
	"io"
	"log"
	"os"
	"strings"
)

var (
	Info  *log.Logger
	Error *log.Logger
	Debug *log.Logger
	Warn  *log.Logger
)

const logFlags = log.Ldate | log.Ltime | log.LUTC | log.Lshortfile

func init() {
	Configure(os.Getenv("LOG_LEVEL"), os.Stdout)
}

// Configure points every logger at w. Debug output is only kept at level
// "debug"; level "error" also silences Info and Warn.
func Configure(level string, w io.Writer) {
	level = strings.ToLower(strings.TrimSpace(level))

	info, warn, debug := w, w, io.Discard
	switch level {
	case "debug":
		debug = w
	case "error":
		info, warn = io.Discard, io.Discard
	}

	Info = log.New(info, "INFO: ", logFlags)
	Warn = log.New(warn, "WARN: ", logFlags)
	Error = log.New(w, "ERROR: ", logFlags)
	Debug = log.New(debug, "DEBUG: ", logFlags)
}
