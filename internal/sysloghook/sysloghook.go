//go:build linux

// Package sysloghook mirrors logrus entries to the host syslog
// facility. It is the one ambient-logging piece built directly on the
// standard library: no library in the retrieval pack wraps
// log/syslog for logrus, and the stdlib syslog writer is the
// established way to reach the host facility from Go without shelling
// out to logger(1).
package sysloghook

import (
	"fmt"
	"log/syslog"

	"github.com/sirupsen/logrus"
)

// Hook appends syslog delivery to a logrus logger, matching the
// standard priority classes (err/warning/info/debug).
type Hook struct {
	writer *syslog.Writer
}

// New dials the local syslog daemon under the given tag.
func New(tag string) (*Hook, error) {
	w, err := syslog.New(syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, fmt.Errorf("sysloghook: connecting to syslog: %w", err)
	}
	return &Hook{writer: w}, nil
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return fmt.Errorf("sysloghook: formatting entry: %w", err)
	}
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	case logrus.InfoLevel:
		return h.writer.Info(line)
	default:
		return h.writer.Debug(line)
	}
}

// Close releases the syslog connection.
func (h *Hook) Close() error { return h.writer.Close() }
