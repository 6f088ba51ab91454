// Package restartstrategy abstracts "restart this CAN interface" as a
// pluggable strategy, per spec Design Notes: bus-off recovery by
// external command. The default concrete implementation shells out to
// `ip link set <iface> down && ip link set <iface> up`, matching
// CO_error.c's CO_CANerrorSetListenOnly. Systems with a netlink library
// available can substitute a programmatic Strategy.
package restartstrategy

import (
	"fmt"
	"os/exec"
)

// Strategy restarts a CAN interface to clear kernel/hardware TX queues
// after a bus-off condition.
type Strategy interface {
	Restart(ifName string) error
}

type shellStrategy struct{}

// Shell returns the default Strategy: `ip link set <iface> down`
// followed by `ip link set <iface> up`, run without blocking the
// caller, matching the down-then-up order CO_error.c shells out to.
func Shell() Strategy { return shellStrategy{} }

func (shellStrategy) Restart(ifName string) error {
	if ifName == "" {
		return fmt.Errorf("restartstrategy: empty interface name")
	}
	go func() {
		_ = exec.Command("ip", "link", "set", ifName, "down").Run()
		_ = exec.Command("ip", "link", "set", ifName, "up").Run()
	}()
	return nil
}

// Noop performs no action; useful for tests and for virtual/loopback
// interfaces that cannot be restarted.
func Noop() Strategy { return noopStrategy{} }

type noopStrategy struct{}

func (noopStrategy) Restart(string) error { return nil }

// Func adapts a plain function to Strategy.
type Func func(ifName string) error

func (f Func) Restart(ifName string) error { return f(ifName) }
