// Command colinuxd runs the Linux CANopen runtime harness: it binds a
// raw CAN interface, wires it and a persistent parameter store to an
// external protocol stack, and optionally serves a textual gateway.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwagner/colinux/can"
	"github.com/mwagner/colinux/canerror"
	"github.com/mwagner/colinux/colinux"
	"github.com/mwagner/colinux/gateway"
	"github.com/mwagner/colinux/internal/sysloghook"
	"github.com/mwagner/colinux/internal/tuning"
	"github.com/mwagner/colinux/protostack"
	"github.com/mwagner/colinux/storage"
)

const (
	defaultMainPeriod = 100 * time.Millisecond
	defaultRTPeriod   = time.Millisecond
)

func main() {
	os.Exit(run())
}

func run() int {
	nodeID := flag.Int("i", 0x20, "node id, 1..127 or 0xFF for LSS-unconfigured")
	priority := flag.Int("p", -1, "realtime scheduling priority, -1 for default scheduler")
	rebootOnReset := flag.Bool("r", false, "enable host reboot on application reset")
	storagePrefix := flag.String("s", "", "prefix prepended to every storage entry's filename")
	gatewayTransport := flag.String("c", "", "gateway transport: stdio | local-<path> | tcp-<port>")
	idleTimeoutMs := flag.Int("T", 0, "gateway idle timeout in milliseconds, 0 = off")
	flag.Parse()

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if hook, err := sysloghook.New("colinuxd"); err != nil {
		log.WithError(err).Warn("syslog unavailable, logging to stderr only")
	} else {
		log.AddHook(hook)
		defer hook.Close()
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: colinuxd [flags] <can-device>")
		return 1
	}
	deviceName := flag.Arg(0)

	if *nodeID != 0xFF && (*nodeID < 1 || *nodeID > 127) {
		log.Errorf("invalid node id %d: must be 1..127 or 0xFF", *nodeID)
		return 1
	}

	iface, err := net.InterfaceByName(deviceName)
	if err != nil {
		log.WithError(err).Errorf("resolving CAN device %q", deviceName)
		return 1
	}

	tune, err := tuning.Load(*storagePrefix + "colinuxd.ini")
	if err != nil {
		log.WithError(err).Error("loading tuning sidecar file")
		return 1
	}

	canModule, err := buildCANModule(iface.Index, tune, log)
	if err != nil {
		log.WithError(err).Error("initializing CAN module")
		return 1
	}

	store := storage.New(storageEntries(*storagePrefix), log)
	if degraded, err := store.Init(); err != nil {
		log.WithError(err).Error("initializing persistent storage")
		return 1
	} else if degraded != 0 {
		log.WithField("degradedMask", degraded).Warn("some storage entries fell back to defaults")
	}

	stack := protostack.NewHeartbeatShim()

	gatewayTr, err := buildGateway(*gatewayTransport, *idleTimeoutMs, stack, log)
	if err != nil {
		log.WithError(err).Error("initializing gateway transport")
		return 1
	}

	rtPeriod := defaultRTPeriod
	if tune.RealtimePeriodMs > 0 {
		rtPeriod = time.Duration(tune.RealtimePeriodMs) * time.Millisecond
	}
	cfg := colinux.Config{
		Identity:       protostack.Identity{NodeID: uint8(*nodeID), Priority: *priority},
		MainPeriod:     defaultMainPeriod,
		RealtimePeriod: rtPeriod,
		AutoSaveEvery:  time.Second,
		RebootOnReset:  *rebootOnReset,
	}
	rt := colinux.New(cfg, stack, canModule, store, gatewayTr, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		rt.RequestShutdown()
	}()

	if err := rt.Run(); err != nil {
		log.WithError(err).Error("runtime exited with error")
		return 1
	}
	return 0
}

func buildCANModule(ifIndex int, tune tuning.Config, log *logrus.Logger) (*can.Module, error) {
	rx := make([]can.RxBuffer, 32)
	tx := make([]can.TxBuffer, 16)

	opts := []can.Option{can.WithLogger(log)}
	if tune.ReceiveBatchSize > 0 {
		opts = append(opts, can.WithReceiveBatchSize(tune.ReceiveBatchSize))
	}

	var errOpts []canerror.Option
	if tune.NoAckThreshold > 0 {
		errOpts = append(errOpts, canerror.WithNoAckThreshold(tune.NoAckThreshold))
	}
	if tune.ListenOnlyDwell > 0 {
		errOpts = append(errOpts, canerror.WithListenOnlyDwell(tune.ListenOnlyDwell))
	}
	if len(errOpts) > 0 {
		opts = append(opts, can.WithErrorOptions(errOpts...))
	}

	m := can.New(rx, tx, nil, opts...)
	if _, err := m.AddInterface(ifIndex, true); err != nil {
		return nil, fmt.Errorf("adding interface: %w", err)
	}
	return m, nil
}

// storageEntries describes the runtime's own persisted parameters.
// Object-dictionary content is out of scope here; this is the
// harness's own configuration block, not protocol state.
func storageEntries(prefix string) []*storage.Entry {
	return []*storage.Entry{
		{
			Filename: prefix + "colinuxd.cfg",
			SubIndex: 2,
			Addr:     make([]byte, 4),
			Attr:     storage.AttrCommandStorable | storage.AttrAutoStorable | storage.AttrRestorable,
		},
	}
}

func buildGateway(spec string, idleTimeoutMs int, engine gateway.Engine, log *logrus.Logger) (*gateway.Transport, error) {
	if spec == "" {
		return nil, nil
	}
	cfg := gateway.Config{IdleTimeout: time.Duration(idleTimeoutMs) * time.Millisecond}

	switch {
	case spec == "stdio":
		cfg.Mode = gateway.ModeStdio
	case strings.HasPrefix(spec, "local-"):
		cfg.Mode = gateway.ModeLocalSocket
		cfg.SocketPath = strings.TrimPrefix(spec, "local-")
	case strings.HasPrefix(spec, "tcp-"):
		port, err := strconv.Atoi(strings.TrimPrefix(spec, "tcp-"))
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("invalid tcp port in -c %q", spec)
		}
		cfg.Mode = gateway.ModeTCP
		cfg.Port = port
	default:
		return nil, fmt.Errorf("unrecognized gateway transport %q", spec)
	}

	return gateway.New(cfg, engine, log)
}
