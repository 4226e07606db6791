// Package applog builds the general-purpose process logger (every
// trace other than the access log): a standard-library *log.Logger
// writing to stdout, or to a rotating file via
// gopkg.in/natefinch/lumberjack.v2 when a filename is configured.
// Grounded on the teacher's GlobalLogConfig, which declares the same
// Filename/MaxSize/MaxBackups/MaxAge/Compress knobs but never actually
// wires them to a writer; this package is where that wiring happens.
package applog

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"p2proxy/internal/config"
)

// New builds a *log.Logger per cfg. A nil cfg, or one with an empty
// Filename, logs to stdout; otherwise it writes to a lumberjack
// rotating file with the configured size/backup/age/compress policy.
func New(cfg *config.GlobalLogConfig, prefix string) *log.Logger {
	var w io.Writer = os.Stdout
	if cfg != nil && cfg.Filename != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	}
	return log.New(w, prefix, log.LstdFlags)
}
