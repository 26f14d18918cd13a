package cmd

import (
	"io"
	"log"
	"os"
	"path/filepath"
)

// SetupLogging sends the standard logger, and with it the default slog
// handler, to stderr and optionally to logFile. The returned func closes the
// file.
func SetupLogging(logFile string) func() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if logFile == "" {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	if err := os.MkdirAll(filepath.Dir(logFile), os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}
	f, err := os.OpenFile(logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}

	log.SetOutput(io.MultiWriter(f, os.Stderr))
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}
}
