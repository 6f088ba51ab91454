//go:build linux

// Package evloop wraps Linux epoll, timerfd and eventfd into a single
// wait/process/close cycle, modeled on CANopenNode's
// CO_epoll_interface: a periodic timer drives the mainline tick, an
// eventfd lets other goroutines wake the loop early, and arbitrary
// registered fds (CAN sockets, gateway listeners) deliver their own
// readiness.
package evloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 16

// Loop owns one epoll instance plus its timerfd and eventfd.
type Loop struct {
	epollFD  int
	timerFD  int
	eventFD  int
	interval time.Duration

	tags map[int]any

	timeDifference time.Duration
	timerEvent     bool
	previous       time.Time
}

// New creates the epoll, timerfd and eventfd descriptors and arms the
// timer at the given interval (§4.E "Create").
func New(interval time.Duration) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("evloop: epoll_create1: %w", err)
	}

	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("evloop: timerfd_create: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(tfd)
		return nil, fmt.Errorf("evloop: eventfd: %w", err)
	}

	l := &Loop{
		epollFD:  epfd,
		timerFD:  tfd,
		eventFD:  efd,
		interval: interval,
		tags:     make(map[int]any),
		previous: time.Now(),
	}

	if err := l.armTimer(interval); err != nil {
		l.Close()
		return nil, err
	}
	if err := l.RegisterRead(tfd, nil); err != nil {
		l.Close()
		return nil, err
	}
	if err := l.RegisterRead(efd, nil); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

func (l *Loop) armTimer(d time.Duration) error {
	if d <= 0 {
		d = time.Microsecond
	}
	spec := durationToItimerspec(d)
	return unix.TimerfdSettime(l.timerFD, 0, &spec, nil)
}

func durationToItimerspec(d time.Duration) unix.ItimerSpec {
	sec := int64(d / time.Second)
	nsec := int64(d % time.Second)
	ts := unix.NsecToTimespec(sec*int64(time.Second) + nsec)
	return unix.ItimerSpec{Interval: ts, Value: ts}
}

// RegisterRead adds fd to the epoll set for read-readiness, associating
// an arbitrary tag retrievable from Wait's result.
func (l *Loop) RegisterRead(fd int, tag any) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("evloop: epoll_ctl add fd %d: %w", fd, err)
	}
	l.tags[fd] = tag
	return nil
}

// Unregister removes fd from the epoll set.
func (l *Loop) Unregister(fd int) error {
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("evloop: epoll_ctl del fd %d: %w", fd, err)
	}
	delete(l.tags, fd)
	return nil
}

// Wake sets the eventfd so a concurrent Wait returns immediately,
// matching the mainline/realtime cross-thread signal of §5.
func (l *Loop) Wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(l.eventFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("evloop: eventfd write: %w", err)
	}
	return nil
}

// Event describes one ready fd delivered by Wait, alongside its tag.
type Event struct {
	FD  int
	Tag any
}

// Wait blocks until the timer fires, the eventfd is signaled, or a
// registered fd becomes read-ready, then reports the elapsed time since
// the previous call and the set of ready non-timer/event fds.
func (l *Loop) Wait() (events []Event, timerFired bool, elapsed time.Duration, err error) {
	var raw [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(l.epollFD, raw[:], -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, false, 0, nil
		}
		return nil, false, 0, fmt.Errorf("evloop: epoll_wait: %w", err)
	}

	now := time.Now()
	elapsed = now.Sub(l.previous)
	l.previous = now
	l.timeDifference = elapsed

	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		switch fd {
		case l.timerFD:
			var buf [8]byte
			_, _ = unix.Read(l.timerFD, buf[:])
			timerFired = true
		case l.eventFD:
			var buf [8]byte
			_, _ = unix.Read(l.eventFD, buf[:])
		default:
			events = append(events, Event{FD: fd, Tag: l.tags[fd]})
		}
	}
	l.timerEvent = timerFired
	return events, timerFired, elapsed, nil
}

// TimeDifference returns the elapsed time recorded by the last Wait, in
// the tick-accumulator unit the rest of the runtime expects.
func (l *Loop) TimeDifference() time.Duration { return l.timeDifference }

// Rearm reconfigures the timer to fire again in next if next is shorter
// than the loop's configured interval, matching CO_epoll_processLast's
// lowering of timerNext_us; after that expiry the timer resumes firing
// at the configured interval. It is a no-op when next >= the configured
// interval.
func (l *Loop) Rearm(next time.Duration) error {
	if next <= 0 || next >= l.interval {
		return nil
	}
	spec := durationToItimerspec(l.interval)
	spec.Value = unix.NsecToTimespec(int64(next + time.Microsecond))
	return unix.TimerfdSettime(l.timerFD, 0, &spec, nil)
}

// Close releases the timer, event and epoll descriptors.
func (l *Loop) Close() error {
	var firstErr error
	for _, fd := range []int{l.timerFD, l.eventFD, l.epollFD} {
		if fd == 0 {
			continue
		}
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
