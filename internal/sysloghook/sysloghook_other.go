//go:build !linux

// Package sysloghook mirrors logrus entries to the host syslog
// facility. log/syslog only dials a local syslog daemon on
// Unix-family platforms; this file keeps the package buildable
// elsewhere so cmd/colinuxd still compiles for non-Linux development
// builds, with New reporting that syslog delivery is unavailable.
package sysloghook

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Hook appends syslog delivery to a logrus logger. On this platform it
// is never successfully constructed.
type Hook struct{}

// New always fails on this platform: there is no syslog daemon to
// dial.
func New(tag string) (*Hook, error) {
	return nil, fmt.Errorf("sysloghook: syslog delivery is only available on linux")
}

func (h *Hook) Levels() []logrus.Level { return nil }

func (h *Hook) Fire(entry *logrus.Entry) error { return nil }

func (h *Hook) Close() error { return nil }
