//go:build !linux

// Package evloop wraps Linux epoll, timerfd and eventfd into a single
// wait/process/close cycle, modeled on CANopenNode's
// CO_epoll_interface. This file keeps the package buildable on other
// platforms so the rest of the module (and non-Linux development
// builds of the CAN backend) still compile; the loop itself is
// epoll-based and has no portable equivalent here.
package evloop

import (
	"fmt"
	"time"
)

// Loop is a non-functional placeholder on non-Linux platforms. New
// always fails.
type Loop struct{}

// Event describes one ready fd delivered by Wait, alongside its tag.
type Event struct {
	FD  int
	Tag any
}

// New always returns an error: epoll, timerfd and eventfd are
// Linux-specific and this platform has no substitute wired in.
func New(interval time.Duration) (*Loop, error) {
	return nil, fmt.Errorf("evloop: epoll-based event loop is only available on linux")
}

func (l *Loop) RegisterRead(fd int, tag any) error {
	return fmt.Errorf("evloop: unsupported on this platform")
}

func (l *Loop) Unregister(fd int) error {
	return fmt.Errorf("evloop: unsupported on this platform")
}

func (l *Loop) Wake() error {
	return fmt.Errorf("evloop: unsupported on this platform")
}

func (l *Loop) Wait() (events []Event, timerFired bool, elapsed time.Duration, err error) {
	return nil, false, 0, fmt.Errorf("evloop: unsupported on this platform")
}

func (l *Loop) TimeDifference() time.Duration { return 0 }

func (l *Loop) Rearm(next time.Duration) error {
	return fmt.Errorf("evloop: unsupported on this platform")
}

func (l *Loop) Close() error { return nil }
