// Package colinux wires the frame, canerror, can, storage, evloop and
// gateway packages to an external protostack.Stack, running the
// reset/run outer state machine and, on multi-threaded builds, the
// realtime CAN-processing goroutine.
package colinux

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwagner/colinux/can"
	"github.com/mwagner/colinux/evloop"
	"github.com/mwagner/colinux/frame"
	"github.com/mwagner/colinux/gateway"
	"github.com/mwagner/colinux/protostack"
	"github.com/mwagner/colinux/storage"
)

// State is the outer runtime state machine of §4.G.
type State int

const (
	StateInit State = iota
	StateCommReset
	StateRun
	StateExit
)

const defaultMainPeriod = 100 * time.Millisecond

// Config parameterizes one Runtime.
type Config struct {
	Identity       protostack.Identity
	MainPeriod     time.Duration // default 100ms
	RealtimePeriod time.Duration // 0 disables the realtime thread; no default is applied
	AutoSaveEvery  time.Duration // 0 disables auto-save
	RebootOnReset  bool
}

// Runtime is the runtime orchestrator of §4.G.
type Runtime struct {
	cfg   Config
	log   *logrus.Logger
	stack protostack.Stack

	canModule *can.Module
	store     *storage.Store
	gatewayTr *gateway.Transport

	mainLoop *evloop.Loop
	rtLoop   *evloop.Loop

	odMu sync.Mutex

	autoSaveElapsed time.Duration

	state State

	cancel     chan struct{}
	cancelOnce sync.Once
	rtWG       sync.WaitGroup
}

// New constructs a Runtime. The caller must have already built the CAN
// module's interfaces (AddInterface) before calling Run; New only
// stores the collaborators.
func New(cfg Config, stack protostack.Stack, canModule *can.Module, store *storage.Store, gatewayTr *gateway.Transport, log *logrus.Logger) *Runtime {
	if cfg.MainPeriod <= 0 {
		cfg.MainPeriod = defaultMainPeriod
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runtime{
		cfg:       cfg,
		log:       log,
		stack:     stack,
		canModule: canModule,
		store:     store,
		gatewayTr: gatewayTr,
		state:     StateInit,
		cancel:    make(chan struct{}),
	}
}

// RequestShutdown sets the cancellation flag §5 "Cancellation &
// shutdown" describes: the mainline loop notices at its next outer
// iteration (woken immediately rather than waiting for the next
// periodic tick) and the realtime thread notices at its next tick.
// Safe to call more than once and from any goroutine.
func (r *Runtime) RequestShutdown() {
	r.cancelOnce.Do(func() { close(r.cancel) })
	if r.mainLoop != nil {
		_ = r.mainLoop.Wake()
	}
}

// LockOD runs fn with the shared object-dictionary mutex held, the
// callback storage.AutoSave and realtime processing both rely on (§5
// OD_mutex).
func (r *Runtime) LockOD(fn func()) {
	r.odMu.Lock()
	defer r.odMu.Unlock()
	fn()
}

// Run drives the outer INIT/COMM_RESET/RUN/EXIT state machine until
// the stack requests Quit (or ResetApp, without reboot). It returns
// the reason processing stopped.
func (r *Runtime) Run() error {
	r.state = StateCommReset
	for {
		switch r.state {
		case StateCommReset:
			if err := r.enterCommReset(); err != nil {
				return err
			}
			r.state = StateRun
		case StateRun:
			cmd, err := r.runInner()
			if err != nil {
				return err
			}
			switch cmd {
			case protostack.ResetCommunication:
				r.state = StateCommReset
			case protostack.ResetApp:
				r.state = StateExit
				if r.cfg.RebootOnReset {
					r.log.Warn("application reset requested host reboot, which this runtime does not perform directly")
				}
			case protostack.Quit:
				r.state = StateExit
			}
		case StateExit:
			return r.shutdown()
		}
	}
}

func (r *Runtime) enterCommReset() error {
	if err := r.stack.Init(r.cfg.Identity); err != nil {
		return fmt.Errorf("colinux: stack init: %w", err)
	}

	if err := r.wireRxBuffers(); err != nil {
		return err
	}

	mainLoop, err := evloop.New(r.cfg.MainPeriod)
	if err != nil {
		return fmt.Errorf("colinux: creating mainline event loop: %w", err)
	}
	r.mainLoop = mainLoop

	if r.cfg.RealtimePeriod > 0 {
		rtLoop, err := evloop.New(r.cfg.RealtimePeriod)
		if err != nil {
			return fmt.Errorf("colinux: creating realtime event loop: %w", err)
		}
		r.rtLoop = rtLoop
		for _, iface := range r.canModule.Interfaces() {
			if err := r.rtLoop.RegisterRead(iface.FD(), iface); err != nil {
				r.log.WithError(err).Warn("registering CAN interface with realtime loop")
			}
		}
	}

	if r.gatewayTr != nil {
		if fd := r.gatewayTr.FD(); fd >= 0 {
			if err := r.mainLoop.RegisterRead(fd, "gateway"); err != nil {
				r.log.WithError(err).Warn("registering gateway transport with mainline loop")
			}
		}
	}

	r.stack.SetWakeCallback(func() {
		if r.mainLoop != nil {
			_ = r.mainLoop.Wake()
		}
	})

	if r.rtLoop != nil {
		r.rtWG.Add(1)
		go r.realtimeThread()
	}

	if err := r.canModule.SetNormal(); err != nil {
		return fmt.Errorf("colinux: transitioning CAN module to normal: %w", err)
	}

	return nil
}

// wireRxBuffers installs the stack's receive specs into the CAN
// module's dense receive-buffer sequence, one slot per spec.
func (r *Runtime) wireRxBuffers() error {
	specs := r.stack.RxBuffers()
	for i, spec := range specs {
		h := spec.Handler
		err := r.canModule.RxBufferInit(i, spec.Ident, spec.Mask, spec.RTR, nil, func(_ any, f frame.Frame) {
			h(f)
		})
		if err != nil {
			return fmt.Errorf("colinux: wiring rx buffer %d: %w", i, err)
		}
	}
	return nil
}

// runInner spins the per-tick mainline loop (and, single-threaded
// builds, realtime processing) until the stack requests a state
// transition.
func (r *Runtime) runInner() (protostack.ResetCmd, error) {
	for {
		select {
		case <-r.cancel:
			return protostack.Quit, nil
		default:
		}

		_, timerFired, elapsed, err := r.mainLoop.Wait()
		if err != nil {
			return protostack.ResetNone, fmt.Errorf("colinux: mainline wait: %w", err)
		}
		_ = timerFired

		if r.rtLoop == nil {
			r.processRealtimeTick(elapsed)
		}

		if r.gatewayTr != nil {
			if err := r.gatewayTr.Process(elapsed); err != nil {
				r.log.WithError(err).Warn("gateway processing error")
			}
		}

		var cmd protostack.ResetCmd
		r.LockOD(func() {
			cmd = r.stack.ProcessMain(elapsed, r.gatewayTr != nil)
		})

		if err := r.canModule.Process(); err != nil {
			r.log.WithError(err).Warn("CAN retransmission failed")
		}

		next := r.canModule.NextDeadline(r.cfg.MainPeriod)
		if err := r.mainLoop.Rearm(next); err != nil {
			r.log.WithError(err).Warn("re-arming mainline timer")
		}

		r.advanceAutoSave(elapsed)
		r.reportBusHealth()

		if cmd != protostack.ResetNone {
			return cmd, nil
		}
	}
}

func (r *Runtime) processRealtimeTick(elapsed time.Duration) {
	r.LockOD(func() {
		r.stack.ProcessRealtime(elapsed, false)
	})
}

func (r *Runtime) realtimeThread() {
	defer r.rtWG.Done()
	for {
		select {
		case <-r.cancel:
			return
		default:
		}

		events, _, elapsed, err := r.rtLoop.Wait()
		if err != nil {
			r.log.WithError(err).Error("realtime wait failed")
			return
		}
		for _, ev := range events {
			if iface, ok := ev.Tag.(*can.Interface); ok {
				if err := r.canModule.ReceiveFromEvent(iface); err != nil {
					r.log.WithError(err).Warn("realtime receive failed")
				}
			}
		}
		r.LockOD(func() {
			r.stack.ProcessRealtime(elapsed, true)
		})
	}
}

func (r *Runtime) advanceAutoSave(elapsed time.Duration) {
	if r.store == nil || r.cfg.AutoSaveEvery <= 0 {
		return
	}
	r.autoSaveElapsed += elapsed
	if r.autoSaveElapsed < r.cfg.AutoSaveEvery {
		return
	}
	r.autoSaveElapsed = 0
	failed := r.store.AutoSave(false, r.LockOD)
	if failed != 0 {
		r.log.WithField("failedMask", failed).Warn("auto-save reported failures")
	}
}

func (r *Runtime) reportBusHealth() {
	status := r.canModule.ErrorStatus()
	r.stack.EmergencyReport(status)
}

// shutdown implements §5's exit sequence: signal the realtime thread
// to stop and join it, flush auto-save with close_files = true, then
// close the event loops and disable the CAN module.
func (r *Runtime) shutdown() error {
	r.cancelOnce.Do(func() { close(r.cancel) })
	r.rtWG.Wait()

	if r.store != nil {
		if failed := r.store.AutoSave(true, r.LockOD); failed != 0 {
			r.log.WithField("failedMask", failed).Warn("final auto-save reported failures")
		}
	}

	if r.rtLoop != nil {
		_ = r.rtLoop.Close()
	}
	if r.mainLoop != nil {
		_ = r.mainLoop.Close()
	}
	if r.gatewayTr != nil {
		_ = r.gatewayTr.Close()
	}
	return r.canModule.Disable()
}
